package export

import (
	"io"
	"net/http"

	"github.com/bytedance/sonic"

	"github.com/sableworks/exportstream/types"
)

// Each frame on the wire is a single JSON object terminated by a blank line.
// The writer flushes after every frame so the client observes events as they
// happen, not when the response buffer fills.
var frameSeparator = []byte("\n\n")

type FrameWriter struct {
	w       io.Writer
	flusher http.Flusher
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	fw := &FrameWriter{w: w}
	if f, ok := w.(http.Flusher); ok {
		fw.flusher = f
	}
	return fw
}

func (fw *FrameWriter) Write(frame *types.EventFrame) error {
	payload, err := sonic.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fw.w.Write(payload); err != nil {
		return err
	}
	if _, err := fw.w.Write(frameSeparator); err != nil {
		return err
	}
	if fw.flusher != nil {
		fw.flusher.Flush()
	}
	return nil
}
