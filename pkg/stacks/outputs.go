package stacks

// MapOutputsByConstructID re-keys flat engine outputs by the construct that
// declared them. Outputs the manifest does not attribute to a construct are
// left out of the result.
func MapOutputsByConstructID(m *Manifest, outputs map[string]interface{}) (map[string]interface{}, error) {
	byConstruct := make(map[string]interface{})
	if m == nil || len(outputs) == 0 {
		return byConstruct, nil
	}

	decls, err := m.Outputs()
	if err != nil {
		return nil, err
	}
	for _, decl := range decls {
		if decl.ConstructID == "" {
			continue
		}
		value, ok := outputs[decl.Name]
		if !ok {
			continue
		}
		byConstruct[decl.ConstructID] = value
	}
	return byConstruct, nil
}
