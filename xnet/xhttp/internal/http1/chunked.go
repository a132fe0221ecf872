package http1

import (
	"io"
	"strconv"
)

// ChunkedWriter frames every Write as one chunk of the chunked transfer
// coding. Close writes the last chunk and an empty trailer; it does not
// close the underlying writer.
type ChunkedWriter struct {
	w      io.Writer
	header []byte
}

func NewChunkedWriter(w io.Writer) *ChunkedWriter {
	return &ChunkedWriter{w: w, header: make([]byte, 0, 18)}
}

func (cw *ChunkedWriter) Write(p []byte) (int, error) {
	// a zero length chunk would end the body
	if len(p) == 0 {
		return 0, nil
	}

	cw.header = strconv.AppendInt(cw.header[:0], int64(len(p)), 16)
	cw.header = append(cw.header, crlf...)

	if _, err := cw.w.Write(cw.header); err != nil {
		return 0, err
	}

	n, err := cw.w.Write(p)
	if err != nil {
		return n, err
	}

	if _, err := io.WriteString(cw.w, crlf); err != nil {
		return n, err
	}

	return n, nil
}

func (cw *ChunkedWriter) Close() error {
	_, err := io.WriteString(cw.w, "0"+crlf+crlf)
	return err
}
