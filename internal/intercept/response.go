package intercept

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
)

// NetworkErrorBody is the body of the synthetic response served when the
// network fails and nothing is cached.
const NetworkErrorBody = "Network error"

// NetworkErrorResponse builds the synthetic 408 response.
func NetworkErrorResponse(req *http.Request) *http.Response {
	body := []byte(NetworkErrorBody)
	header := http.Header{}
	header.Set("Content-Type", "text/plain;charset=UTF-8")
	return &http.Response{
		Status:        fmt.Sprintf("%d %s", http.StatusRequestTimeout, http.StatusText(http.StatusRequestTimeout)),
		StatusCode:    http.StatusRequestTimeout,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}

// duplicateResponse drains resp.Body once and returns two responses whose
// bodies can be consumed independently. resp.Body is closed.
func duplicateResponse(resp *http.Response) (*http.Response, *http.Response, error) {
	var body []byte
	if resp.Body != nil {
		data, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("read network body: %w", err)
		}
		body = data
	}
	return cloneWithBody(resp, body), cloneWithBody(resp, body), nil
}

func cloneWithBody(resp *http.Response, body []byte) *http.Response {
	cloned := *resp
	cloned.Header = resp.Header.Clone()
	if cloned.Header == nil {
		cloned.Header = http.Header{}
	}
	cloned.Body = io.NopCloser(bytes.NewReader(body))
	cloned.ContentLength = int64(len(body))
	cloned.TransferEncoding = nil
	return &cloned
}
