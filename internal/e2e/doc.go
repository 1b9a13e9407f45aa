// Package e2e holds end-to-end tests run with the e2e build tag. They start
// the compose project, push over Git and wait for results computed by a real
// agent.
package e2e
