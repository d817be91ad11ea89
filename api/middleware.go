package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

// DefaultMaxDecodedBody caps the inflated size of a gzip request body.
const DefaultMaxDecodedBody = 1 << 20

var errBodyTooLarge = errors.New("decoded body too large")

// GzipRequestMiddleware inflates gzip-encoded request bodies (moves sent by
// batching clients) so handlers read plain JSON. Invalid gzip is rejected
// with 400; a body inflating past maxDecoded fails the read in the handler.
func GzipRequestMiddleware(maxDecoded int64) echo.MiddlewareFunc {
	if maxDecoded <= 0 {
		maxDecoded = DefaultMaxDecodedBody
	}
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Body == nil || !hasGzipEncoding(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			gr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body")
			}

			req.Body = &inflatedBody{gz: gr, body: body, remaining: maxDecoded}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)

			return next(c)
		}
	}
}

func hasGzipEncoding(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type inflatedBody struct {
	gz        *gzip.Reader
	body      io.Closer
	remaining int64
}

func (b *inflatedBody) Read(p []byte) (int, error) {
	if b.remaining <= 0 {
		// Probe for one more byte to tell a body of exactly the limit from an overflow.
		var one [1]byte
		if n, _ := b.gz.Read(one[:]); n > 0 {
			return 0, errBodyTooLarge
		}
		return 0, io.EOF
	}
	if int64(len(p)) > b.remaining {
		p = p[:b.remaining]
	}
	n, err := b.gz.Read(p)
	b.remaining -= int64(n)
	return n, err
}

func (b *inflatedBody) Close() error {
	err := b.gz.Close()
	if cerr := b.body.Close(); cerr != nil && err == nil {
		err = cerr
	}
	return err
}
