package rest

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"net/url"
	"strconv"
	"strings"

	"github.com/edgeflare/odatadb/pkg/httputil"
	"github.com/edgeflare/odatadb/pkg/metrics"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	maxBatchBodyBytes = 32 << 20
	maxPartBodyBytes  = 8 << 20
)

// batchPart is one sub-request of a $batch. err is set when the part could
// not be turned into a request; it is then answered with 400.
type batchPart struct {
	contentID string
	req       *http.Request
	err       error
}

// partRecorder captures the response of a sub-request.
type partRecorder struct {
	header http.Header
	body   bytes.Buffer
	status int
}

var _ http.ResponseWriter = &partRecorder{}

func newPartRecorder() *partRecorder {
	return &partRecorder{header: http.Header{}}
}

func (w *partRecorder) Header() http.Header { return w.header }

func (w *partRecorder) Write(b []byte) (int, error) {
	if w.status == 0 {
		w.status = http.StatusOK
	}
	return w.body.Write(b)
}

func (w *partRecorder) WriteHeader(status int) {
	if w.status == 0 {
		w.status = status
	}
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil || !strings.EqualFold(mediaType, "multipart/mixed") {
		s.fail(w, r, http.StatusBadRequest, "Invalid content type for batch request. Expected 'multipart/mixed'.", err)
		return
	}
	boundary := params["boundary"]
	if boundary == "" {
		s.fail(w, r, http.StatusBadRequest, "No boundary parameter found in the 'Content-Type' header of the batch request.", nil)
		return
	}

	parts, err := s.readBatch(r, boundary)
	if err != nil {
		s.fail(w, r, http.StatusBadRequest, err.Error(), err)
		return
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	if err := mw.SetBoundary("batchresponse_" + uuid.NewString()); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "There was an error executing the batch request.", err)
		return
	}

	for i, part := range parts {
		rec := s.runPart(part)
		method := "INVALID"
		if part.req != nil {
			method = part.req.Method
		}
		metrics.BatchParts.WithLabelValues(method, strconv.Itoa(rec.status)).Inc()
		s.log(r).Debug("batch part", zap.Int("part", i+1), zap.String("method", method), zap.Int("status", rec.status))

		if err := writePart(mw, part.contentID, rec); err != nil {
			s.fail(w, r, http.StatusInternalServerError, "There was an error executing the batch request.", err)
			return
		}
	}
	if err := mw.Close(); err != nil {
		s.fail(w, r, http.StatusInternalServerError, "There was an error executing the batch request.", err)
		return
	}

	w.Header().Set("Content-Type", "multipart/mixed; boundary="+mw.Boundary())
	w.Header().Set("OData-Version", "4.0")
	w.WriteHeader(http.StatusOK)
	w.Write(out.Bytes())
}

// readBatch parses every part before any of them runs, so a batch over the
// part limit or with broken framing has no effect.
func (s *Server) readBatch(r *http.Request, boundary string) ([]batchPart, error) {
	mr := multipart.NewReader(http.MaxBytesReader(nil, r.Body, maxBatchBodyBytes), boundary)

	var parts []batchPart
	for {
		p, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("Malformed batch request body: %v.", err)
		}
		if len(parts) == s.opts.MaxBatchParts {
			return nil, fmt.Errorf("Batch request exceeds the limit of %d parts.", s.opts.MaxBatchParts)
		}
		parts = append(parts, s.readPart(r, p))
	}
	if len(parts) == 0 {
		return nil, errors.New("Batch request contains no parts.")
	}
	return parts, nil
}

func (s *Server) readPart(outer *http.Request, p *multipart.Part) batchPart {
	part := batchPart{contentID: p.Header.Get("Content-ID")}
	if part.contentID == "" {
		part.contentID = uuid.NewString()
	}

	contentType := p.Header.Get("Content-Type")
	if mediaType, _, _ := mime.ParseMediaType(contentType); contentType != "" && mediaType != "application/http" {
		if strings.HasPrefix(mediaType, "multipart/") {
			part.err = errors.New("Change sets are not supported in batch requests.")
		} else {
			part.err = fmt.Errorf("Unsupported part content type '%s'. Expected 'application/http'.", contentType)
		}
		io.Copy(io.Discard, p)
		return part
	}

	raw, err := io.ReadAll(io.LimitReader(p, maxPartBodyBytes+1))
	if err != nil {
		part.err = fmt.Errorf("Could not read batch part: %v.", err)
		return part
	}
	if len(raw) > maxPartBodyBytes {
		part.err = fmt.Errorf("Batch part exceeds %d bytes.", maxPartBodyBytes)
		return part
	}

	part.req, part.err = s.subRequest(outer, raw)
	return part
}

// subRequest builds the request encoded in an application/http part:
// request line, optional headers, blank line, optional body. The outer
// request's headers are inherited; the part's own override them.
func (s *Server) subRequest(outer *http.Request, raw []byte) (*http.Request, error) {
	tp := textproto.NewReader(bufio.NewReader(bytes.NewReader(raw)))

	var line string
	for {
		l, err := tp.ReadLine()
		if err != nil {
			return nil, errors.New("Invalid request line in batch operation.")
		}
		if line = strings.TrimSpace(l); line != "" {
			break
		}
	}

	method, target, err := parseRequestLine(line)
	if err != nil {
		return nil, err
	}

	header, err := tp.ReadMIMEHeader()
	if err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("Invalid headers in batch operation: %v.", err)
	}
	body, err := io.ReadAll(tp.R)
	if err != nil {
		return nil, err
	}
	body = bytes.TrimRight(body, "\r\n")

	u, err := s.resolveTarget(target)
	if err != nil {
		return nil, err
	}
	if u.Path == s.opts.BasePath+"/$batch" {
		return nil, errors.New("Nested batch requests are not supported.")
	}

	req, err := http.NewRequestWithContext(outer.Context(), method, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("Invalid request URL in batch operation: %v.", err)
	}
	req.Header = outer.Header.Clone()
	req.Header.Del("Content-Type")
	req.Header.Del("Content-Length")
	for k, v := range header {
		req.Header[k] = v
	}
	req.Host = outer.Host
	req.RemoteAddr = outer.RemoteAddr
	req.TLS = outer.TLS
	return req, nil
}

var batchMethods = map[string]bool{
	http.MethodGet: true, http.MethodPost: true, http.MethodPut: true,
	http.MethodPatch: true, http.MethodDelete: true,
}

// parseRequestLine splits "METHOD target [HTTP/1.1]". The target is kept
// verbatim, so unencoded spaces in it survive.
func parseRequestLine(line string) (method, target string, err error) {
	method, target, ok := strings.Cut(strings.TrimSpace(line), " ")
	if i := strings.LastIndex(target, " HTTP/"); i >= 0 && !strings.Contains(target[i+1:], " ") {
		target = target[:i]
	}
	target = strings.TrimSpace(target)
	if !ok || target == "" {
		return "", "", errors.New("Invalid request line in batch operation.")
	}
	if !batchMethods[strings.ToUpper(method)] {
		return "", "", fmt.Errorf("Invalid request method '%s' in batch operation.", method)
	}
	return strings.ToUpper(method), target, nil
}

// resolveTarget accepts absolute paths, paths relative to the service root
// and full URLs, of which only path and query are used.
func (s *Server) resolveTarget(target string) (*url.URL, error) {
	u, err := url.Parse(target)
	if err != nil {
		return nil, fmt.Errorf("Invalid request URL in batch operation: %v.", err)
	}
	resolved := &url.URL{Path: u.Path, RawPath: u.RawPath, RawQuery: u.RawQuery}
	if resolved.Path == "" {
		return nil, errors.New("Invalid request URL in batch operation.")
	}
	if !strings.HasPrefix(resolved.Path, "/") {
		resolved.Path = s.opts.BasePath + "/" + resolved.Path
		if resolved.RawPath != "" {
			resolved.RawPath = s.opts.BasePath + "/" + resolved.RawPath
		}
	}
	return resolved, nil
}

func (s *Server) runPart(part batchPart) *partRecorder {
	rec := newPartRecorder()
	if part.err != nil {
		httputil.Error(rec, http.StatusBadRequest, part.err.Error())
		return rec
	}
	s.dispatch.ServeHTTP(rec, part.req)
	if rec.status == 0 {
		rec.status = http.StatusOK
	}
	return rec
}

// writePart appends rec as an application/http part.
func writePart(mw *multipart.Writer, contentID string, rec *partRecorder) error {
	h := textproto.MIMEHeader{}
	h.Set("Content-Type", "application/http")
	h.Set("Content-Transfer-Encoding", "binary")
	h.Set("Content-ID", contentID)
	pw, err := mw.CreatePart(h)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", rec.status, http.StatusText(rec.status))
	rec.header.Del("Content-Length")
	if rec.body.Len() > 0 {
		rec.header.Set("Content-Length", strconv.Itoa(rec.body.Len()))
	}
	if err := rec.header.Write(&buf); err != nil {
		return err
	}
	buf.WriteString("\r\n")
	buf.Write(rec.body.Bytes())

	_, err = pw.Write(buf.Bytes())
	return err
}
