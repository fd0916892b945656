// Package render holds the positional argument contract, the render plan
// builder, and the interfaces implemented by the browser engine and the
// artifact destinations.
//
// An invocation flows strictly forward: ParseArgs binds the arguments,
// BuildPlan derives viewport, zoom, routing headers and the per-resource
// timeout, and the worker drives a Session with the result.
package render
