// Package config loads stackrun.yaml.
//
// A project configuration names the synth command that produces the stacks
// and tunes the engines, policies, locks, history and telemetry used to run
// them:
//
//	app: "npx ts-node main.ts"
//	output: cdktf.out
//	terraformBinary: terraform
//	terraformVersion: ">= 1.5"
//	remote:
//	  hostname: app.terraform.io
//	  pollInterval: 2s
//	policies: ["policies/"]
//	lock:
//	  redisAddr: "localhost:6379"
//	  ttl: 30m
//	history:
//	  path: .stackrun/history.db
//	telemetry:
//	  logLevel: info
//	  logFormat: console
//	  metricsAddr: ":9090"
//	  tracing: none
//
// Values are layered: Default, then the file, then STACKRUN_* environment
// variables. The result is validated with struct tags; every invalid field
// is reported in one usage error.
package config
