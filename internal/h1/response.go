package h1

import (
	"errors"
	"path/filepath"
	"strconv"

	"github.com/ArtAndreev/highload-web-server/internal/buffer"
	"github.com/ArtAndreev/highload-web-server/internal/date"
	"github.com/ArtAndreev/highload-web-server/internal/static"
)

// initialHeaderCap is the starting capacity of a response header block.
const initialHeaderCap = 1024

const (
	version10 = "HTTP/1.0"
	version11 = "HTTP/1.1"

	// ServerName is sent in the Server header of every response.
	ServerName = "highload-web-server/1.0"
)

// Response is the result of processing one request: a header block and an
// optional body borrowed from a file mapping.
type Response struct {
	Status int
	// ContentLength is the advertised body size; for HEAD no body is attached.
	ContentLength int64

	header *buffer.Buffer
	file   *static.File
}

// Header returns the serialized header block, terminator included.
func (r *Response) Header() []byte { return r.header.Bytes() }

// Body returns the mapped file bytes, or nil when nothing is sent after the header.
func (r *Response) Body() []byte {
	if r.file == nil {
		return nil
	}
	return r.file.Bytes()
}

// Len returns the number of header and body bytes to write.
func (r *Response) Len() int { return r.header.Len() + len(r.Body()) }

// Close releases the body mapping. It is safe to call more than once.
func (r *Response) Close() error {
	if r == nil || r.file == nil {
		return nil
	}
	f := r.file
	r.file = nil
	return f.Close()
}

// contentTypes lists the only extensions that get a Content-Type header.
var contentTypes = map[string]string{
	".html": "text/html",
	".css":  "text/css",
	".js":   "application/javascript",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".gif":  "image/gif",
	".swf":  "application/x-shockwave-flash",
}

// ContentType returns the Content-Type for path, or "" if its extension is unknown.
func ContentType(path string) string {
	return contentTypes[filepath.Ext(path)]
}

// Builder turns parsed requests into responses.
type Builder struct {
	resolver *static.Resolver
}

// NewBuilder creates a builder serving files through resolver.
func NewBuilder(resolver *static.Resolver) *Builder {
	return &Builder{resolver: resolver}
}

// Build produces the response for req. parseErr is the result of
// ParseRequest; ErrMalformed yields a 400. The returned error is fatal to
// the connection.
func (b *Builder) Build(req *Request, parseErr error) (*Response, error) {
	switch {
	case parseErr != nil && !errors.Is(parseErr, ErrMalformed):
		return nil, parseErr
	case parseErr != nil, req.Method == "", req.Path == "", req.Version == "":
		return errorResponse(statusVersion(req.Version), 400)
	case req.Version != version11 && req.Version != version10:
		return errorResponse(version11, 505)
	case req.Method == "GET" || req.Method == "HEAD":
		return b.serveStatic(req)
	default:
		return errorResponse(req.Version, 405)
	}
}

// ResolveStatic runs the resolver for a GET or HEAD request. It may be called
// off the event loop; the result is passed to FinishStatic.
func (b *Builder) ResolveStatic(req *Request) (*static.File, error) {
	return b.resolver.Resolve(req.Method, req.Path)
}

// FinishStatic maps the outcome of ResolveStatic to a response.
func (b *Builder) FinishStatic(req *Request, f *static.File, err error) (*Response, error) {
	switch {
	case errors.Is(err, static.ErrForbidden):
		return errorResponse(req.Version, 403)
	case errors.Is(err, static.ErrNotFound):
		return errorResponse(req.Version, 404)
	case err != nil:
		return nil, err
	}

	resp, err := okResponse(req.Version, f)
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return resp, nil
}

func (b *Builder) serveStatic(req *Request) (*Response, error) {
	f, err := b.ResolveStatic(req)
	return b.FinishStatic(req, f, err)
}

// NeedsStatic reports whether Build would call the resolver for req.
func NeedsStatic(req *Request, parseErr error) bool {
	return parseErr == nil &&
		(req.Version == version11 || req.Version == version10) &&
		(req.Method == "GET" || req.Method == "HEAD")
}

func statusVersion(v string) string {
	if v == version10 || v == version11 {
		return v
	}
	return version11
}

// writeHeadersBeginning writes the status line and the headers common to
// every response, up to and excluding the CRLF after Connection.
func writeHeadersBeginning(h *buffer.Buffer, version string, status int) error {
	for _, s := range [...]string{
		version, " ", strconv.Itoa(status), " ", statusText(status), "\r\n",
		"Server: ", ServerName, "\r\n",
		"Date: ",
	} {
		if err := h.AppendString(s); err != nil {
			return err
		}
	}
	if err := h.Append(date.Current()); err != nil {
		return err
	}
	return h.AppendString("\r\nConnection: close")
}

func errorResponse(version string, status int) (*Response, error) {
	h := buffer.New(initialHeaderCap, buffer.Doubling)
	if err := writeHeadersBeginning(h, version, status); err != nil {
		return nil, err
	}
	if err := h.AppendString(Terminator); err != nil {
		return nil, err
	}
	return &Response{Status: status, header: h}, nil
}

func okResponse(version string, f *static.File) (*Response, error) {
	h := buffer.New(initialHeaderCap, buffer.Doubling)
	if err := writeHeadersBeginning(h, version, 200); err != nil {
		return nil, err
	}

	var num [20]byte
	if err := h.AppendString("\r\nContent-Length: "); err != nil {
		return nil, err
	}
	if err := h.Append(strconv.AppendInt(num[:0], f.Size, 10)); err != nil {
		return nil, err
	}
	if ct := ContentType(f.Path); ct != "" {
		if err := h.AppendString("\r\nContent-Type: " + ct); err != nil {
			return nil, err
		}
	}
	if err := h.AppendString(Terminator); err != nil {
		return nil, err
	}

	resp := &Response{Status: 200, ContentLength: f.Size, header: h}
	if f.Mapped() {
		resp.file = f
	} else {
		_ = f.Close()
	}
	return resp, nil
}

// statusText returns the reason phrase for the statuses this server emits.
func statusText(code int) string {
	switch code {
	case 200:
		return "OK"
	case 400:
		return "Bad Request"
	case 403:
		return "Forbidden"
	case 404:
		return "Not Found"
	case 405:
		return "Method Not Allowed"
	case 505:
		return "HTTP Version Not Supported"
	default:
		return "Unknown"
	}
}
