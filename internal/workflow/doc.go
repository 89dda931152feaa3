// Package workflow runs the linear pipeline behind every trigger:
// checkout, setup-runtime, install-deps, run-script. The first failing step
// halts the run; nothing is retried.
package workflow
