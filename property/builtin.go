package property

// Context identifies the hook a guest instance is running under, for
// property access control. ContextNone marks caller-seeded values that
// belong to no hook.
type Context int8

const (
	ContextNone Context = iota
	ContextRequestHeaders
	ContextRequestBody
	ContextResponseHeaders
	ContextResponseBody
)

func (c Context) String() string {
	switch c {
	case ContextRequestHeaders:
		return "onRequestHeaders"
	case ContextRequestBody:
		return "onRequestBody"
	case ContextResponseHeaders:
		return "onResponseHeaders"
	case ContextResponseBody:
		return "onResponseBody"
	default:
		return "none"
	}
}

// Access is what a hook context may do with a built-in property.
// AccessReadOnly is the zero value: contexts absent from a definition's
// table deny writes.
type Access int8

const (
	AccessReadOnly Access = iota
	AccessReadWrite
	AccessWriteOnly
)

// Definition declares a built-in property and its per-context access.
type Definition struct {
	Path   string
	Access map[Context]Access
}

func (d *Definition) accessIn(ctx Context) Access {
	if a, ok := d.Access[ctx]; ok {
		return a
	}
	return AccessReadOnly
}

// LogSinkPath is the one write-only logging property. Writes to it are
// surfaced as log entries by the ABI layer and never stored; reads are
// always undefined.
const LogSinkPath = "proxytap.log"

// The URL-derived properties may be rewritten during onRequestHeaders
// (the orchestrator re-reads them to build the outbound URL) and are
// read-only from then on.
var urlProperties = []string{
	"request.url",
	"request.host",
	"request.path",
	"request.scheme",
	"request.query",
	"request.extension",
}

// Always read-only: the method and the geo/network attribution paths.
var readOnlyProperties = []string{
	"request.method",
	"request.country",
	"request.city",
	"request.asn",
	"request.geo.lat",
	"request.geo.long",
	"request.region",
	"request.continent",
	"request.country.name",
}

// Read-only response attributes. Their values only exist once the
// orchestrator merges the fetch result into the calculated layer, so
// request hooks read them as undefined without any read-side check.
var responseProperties = []string{
	"response.status",
	"response.code",
	"response.code_details",
	"response.content_type",
}

var builtins = buildBuiltins()

func buildBuiltins() map[string]*Definition {
	defs := make(map[string]*Definition)
	for _, p := range urlProperties {
		defs[p] = &Definition{
			Path:   p,
			Access: map[Context]Access{ContextRequestHeaders: AccessReadWrite},
		}
	}
	for _, p := range readOnlyProperties {
		defs[p] = &Definition{Path: p}
	}
	for _, p := range responseProperties {
		defs[p] = &Definition{Path: p}
	}
	defs[LogSinkPath] = &Definition{
		Path:   LogSinkPath,
		Access: map[Context]Access{ContextRequestHeaders: AccessWriteOnly},
	}
	return defs
}

// Builtin returns the definition for an already-normalized path.
func Builtin(path string) (*Definition, bool) {
	d, ok := builtins[path]
	return d, ok
}

// IsLogSink reports whether path names the write-only logging property.
func IsLogSink(path string) bool {
	return Normalize(path) == LogSinkPath
}
