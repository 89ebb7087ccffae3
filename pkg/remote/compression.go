package remote

import (
	"io"

	"github.com/klauspost/compress/zstd"
	"google.golang.org/genproto/googleapis/bytestream"
)

// newZSTDReadCloser wraps a raw ByteStream reader with a ZSTD decoder,
// mirroring bb-storage's zstdByteStreamChunkReader but built on a
// plain io.Reader rather than a chunk-reader abstraction this module
// does not carry over.
func newZSTDReadCloser(raw io.ReadCloser) (io.ReadCloser, error) {
	decoder, err := zstd.NewReader(raw)
	if err != nil {
		raw.Close()
		return nil, err
	}
	return &zstdReadCloser{raw: raw, decoder: decoder}, nil
}

type zstdReadCloser struct {
	raw     io.ReadCloser
	decoder *zstd.Decoder
}

func (z *zstdReadCloser) Read(p []byte) (int, error) {
	return z.decoder.Read(p)
}

func (z *zstdReadCloser) Close() error {
	z.decoder.Close()
	return z.raw.Close()
}

// writeZSTDCompressed streams r through a ZSTD encoder and on to a
// ByteStream write client, sending the resource name on the first
// chunk only, per the ByteStream protocol.
func writeZSTDCompressed(client bytestream.ByteStream_WriteClient, resourceName string, r io.Reader) error {
	w := &byteStreamWriteAdapter{client: client, resourceName: resourceName}
	encoder, err := zstd.NewWriter(w)
	if err != nil {
		client.CloseAndRecv()
		return err
	}
	if _, err := io.Copy(encoder, r); err != nil {
		encoder.Close()
		client.CloseAndRecv()
		return err
	}
	if err := encoder.Close(); err != nil {
		client.CloseAndRecv()
		return err
	}
	if err := client.Send(&bytestream.WriteRequest{
		WriteOffset: w.writeOffset,
		FinishWrite: true,
	}); err != nil {
		client.CloseAndRecv()
		return err
	}
	_, err = client.CloseAndRecv()
	return err
}

// byteStreamWriteAdapter adapts a ByteStream write client to
// io.Writer, tracking the write offset and sending the resource name
// only on the first chunk.
type byteStreamWriteAdapter struct {
	client       bytestream.ByteStream_WriteClient
	resourceName string
	writeOffset  int64
}

func (w *byteStreamWriteAdapter) Write(p []byte) (int, error) {
	name := w.resourceName
	w.resourceName = ""
	if err := w.client.Send(&bytestream.WriteRequest{
		ResourceName: name,
		WriteOffset:  w.writeOffset,
		Data:         p,
	}); err != nil {
		return 0, err
	}
	w.writeOffset += int64(len(p))
	return len(p), nil
}
