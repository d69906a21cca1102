// Package server hosts the Fiber HTTP intake for the vendor cache: it resolves
// each request's upstream target from the absolute request line or the Host
// header, tags it with a request id, and hands it to a ProxyHandler. Bootstrap
// wires storage, lifecycle, classifier and interceptor into a worker so that
// cmd entrypoints only deal with configuration and listening.
package server
