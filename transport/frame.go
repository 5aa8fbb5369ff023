package transport

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/rotisserie/eris"

	"mmonode/protocol"
)

// maxFrameSize 一帧 = 一个编码后的 Packet，载荷上限之外留出头部空间
const maxFrameSize = protocol.MaxMessageSize + 256

// writeFrame 写出 uvarint 长度前缀 + 内容，一次 Write 完成
func writeFrame(w io.Writer, b []byte) error {
	buf := make([]byte, binary.MaxVarintLen64, binary.MaxVarintLen64+len(b))
	n := binary.PutUvarint(buf, uint64(len(b)))
	buf = append(buf[:n], b...)
	_, err := w.Write(buf)
	return err
}

// readFrame 读取一帧。长度超过 limit 时在分配内存之前拒绝，返回 ErrMalformedPacket；
// 流本身的错误原样返回，便于判断断开原因
func readFrame(r *bufio.Reader, limit int) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(limit) {
		return nil, eris.Wrapf(protocol.ErrMalformedPacket, "frame of %d bytes exceeds %d", n, limit)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func writePacket(w io.Writer, p protocol.Packet) error {
	b, err := protocol.MarshalPacket(p)
	if err != nil {
		return err
	}
	return writeFrame(w, b)
}

func readPacket(r *bufio.Reader) (protocol.Packet, error) {
	b, err := readFrame(r, maxFrameSize)
	if err != nil {
		return protocol.Packet{}, err
	}
	return protocol.UnmarshalPacket(b)
}
