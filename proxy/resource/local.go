package resource

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
)

func init() {
	Register(KindLocal, HandlerFunc(handleLocal))
}

// handleLocal serves addr.Path (resolved under addr.DocRoot when set)
// straight off disk: 404 when the file is missing, 403 for a directory.
func handleLocal(_ context.Context, addr *Address, req *http.Request) (*http.Response, error) {
	path := addr.Path
	if addr.DocRoot != "" {
		path = filepath.Join(addr.DocRoot, filepath.Clean("/"+addr.Path))
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &http.Response{
				StatusCode: http.StatusNotFound,
				Status:     http.StatusText(http.StatusNotFound),
				Body:       http.NoBody,
				Header:     make(http.Header),
				Request:    req,
			}, nil
		}
		return nil, err
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	if info.IsDir() {
		_ = f.Close()
		return &http.Response{
			StatusCode: http.StatusForbidden,
			Status:     http.StatusText(http.StatusForbidden),
			Body:       http.NoBody,
			Header:     make(http.Header),
			Request:    req,
		}, nil
	}

	header := make(http.Header)
	header.Set("Content-Length", strconv.FormatInt(info.Size(), 10))

	return &http.Response{
		StatusCode:    http.StatusOK,
		Status:        http.StatusText(http.StatusOK),
		Body:          f,
		ContentLength: info.Size(),
		Header:        header,
		Request:       req,
	}, nil
}
