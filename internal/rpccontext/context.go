// Package rpccontext provides the shared context key used to stash the
// Raffel *Context on top of a context.Context, so packages that cannot
// import the root raffel package (to avoid import cycles) can still locate
// it.
package rpccontext

type key struct{ name string }

// ContextKey is the context.Value key under which the root package stores
// *raffel.Context.
var ContextKey = &key{"raffel.Context"}
