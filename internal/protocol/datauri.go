package protocol

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
)

const (
	MimeJPEG = "image/jpeg"

	dataURIPrefix = "data:"
	base64Marker  = ";base64"
)

var ErrInvalidDataURI = errors.New("invalid data uri")

// EncodeDataURI 将二进制数据编码为 data:<mime>;base64,<payload>
func EncodeDataURI(mime string, data []byte) string {
	var b strings.Builder
	b.Grow(len(dataURIPrefix) + len(mime) + len(base64Marker) + 1 + base64.StdEncoding.EncodedLen(len(data)))
	b.WriteString(dataURIPrefix)
	b.WriteString(mime)
	b.WriteString(base64Marker)
	b.WriteByte(',')
	b.WriteString(base64.StdEncoding.EncodeToString(data))
	return b.String()
}

// DecodeDataURI 解析base64形式的data URI，返回mime类型和原始数据
// mime中可带参数，例如 audio/webm;codecs=opus
func DecodeDataURI(uri string) (mime string, data []byte, err error) {
	if !strings.HasPrefix(uri, dataURIPrefix) {
		return "", nil, fmt.Errorf("%w: missing %q prefix", ErrInvalidDataURI, dataURIPrefix)
	}

	header, payload, ok := strings.Cut(uri[len(dataURIPrefix):], ",")
	if !ok {
		return "", nil, fmt.Errorf("%w: missing payload separator", ErrInvalidDataURI)
	}

	if !strings.HasSuffix(header, base64Marker) {
		return "", nil, fmt.Errorf("%w: only base64 payloads are supported", ErrInvalidDataURI)
	}
	mime = strings.TrimSuffix(header, base64Marker)

	data, err = base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidDataURI, err)
	}

	return mime, data, nil
}

// IsImageDataURI 检查是否为图片data URI
func IsImageDataURI(uri string) bool {
	return strings.HasPrefix(uri, dataURIPrefix+"image")
}

// IsAudioDataURI 检查是否为音频data URI
func IsAudioDataURI(uri string) bool {
	return strings.HasPrefix(uri, dataURIPrefix+"audio")
}
