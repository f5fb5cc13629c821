// Package console is an interactive terminal console for operating devices
// connected to the control server.
//
// The console keeps a current device selected with "use <id>" and routes
// command lines to it. Results for the current device are drained on a
// short tick and shown as they arrive.
package console
