// Package relay provides the shared application plumbing for the lib-relay
// messaging components: the App/Launcher contracts used to run background
// loops, and context carriers for loggers, tracers, and correlation ids.
package relay
