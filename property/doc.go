// Package property resolves the property paths filters read and write
// through proxy_get_property and proxy_set_property.
//
// # Layers
//
// A [Resolver] holds two layers. The calculated layer carries standard
// properties the host derives from the flow (request.url, request.scheme,
// request.host, request.path, request.query, request.extension,
// request.method, and after the outbound fetch response.status,
// response.code, response.code_details, response.content_type). The
// override layer carries caller-seeded values, guest-created custom
// properties, and guest rewrites of writable built-ins. Overrides win on
// conflict.
//
// # Paths
//
// Dot, slash, and NUL separators are interchangeable: request.path,
// request/path, and the NUL-joined segments a guest SDK sends all name the
// same property. See [Normalize].
//
// # Access control
//
// Built-in properties declare per-hook access. The URL-derived request
// properties are writable during onRequestHeaders only; request.method and
// the geo attribution paths are never writable; the response attributes are
// never writable and simply have no value until the response phase. Denied
// writes return an [AccessError]. The one write-only path, [LogSinkPath],
// accepts writes without storing them.
//
// # Hook scoping
//
// Custom properties remember the hook that first created them. Ones born in
// onRequestHeaders live only for that hook invocation; ones born in
// onRequestBody or later survive for the rest of the flow. The orchestrator
// enforces the boundary with [Resolver.PurgeScoped].
package property
