// Package status implements the Connection-State Observer.
//
// Listeners register per connection key and receive every state transition
// of that connection synchronously, in registration order. A panicking
// listener is recovered and logged; the remaining listeners still run.
package status
