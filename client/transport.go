package client

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"

	"github.com/sableworks/exportstream/tool"
	"github.com/sableworks/exportstream/types"
)

// StreamConn is one open push channel for one export attempt. Frames arrive
// as single-line JSON objects separated by a blank line.
type StreamConn struct {
	resp   *http.Response
	reader *bufio.Reader
}

// OpenStream connects the transport for exportId. The request body re-sends
// the full export request: the server keeps only session state, not filters.
func OpenStream(ctx context.Context, baseURL, userId, exportId string, req types.ExportRequest) (*StreamConn, error) {
	payload, err := sonic.Marshal(req)
	if err != nil {
		return nil, err
	}
	streamURL := strings.TrimSuffix(baseURL, "/") + "/api/export/v1/stream?exportId=" + url.QueryEscape(exportId)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, streamURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-User-Id", userId)

	resp, err := tool.StreamHttpClient.Do(httpReq)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		_ = resp.Body.Close()
		return nil, fmt.Errorf("stream request rejected (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return &StreamConn{
		resp:   resp,
		reader: bufio.NewReader(resp.Body),
	}, nil
}

// ReadFrame blocks until the next frame or transport failure. io.EOF after a
// terminal frame is the normal end of stream.
func (s *StreamConn) ReadFrame() (*types.EventFrame, error) {
	for {
		line, err := s.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var frame types.EventFrame
		if err := sonic.Unmarshal([]byte(line), &frame); err != nil {
			return nil, fmt.Errorf("malformed frame: %v", err)
		}
		return &frame, nil
	}
}

func (s *StreamConn) Close() error {
	return s.resp.Body.Close()
}
