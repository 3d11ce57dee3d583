package rpc

import (
	"encoding/json"

	"google.golang.org/grpc/encoding"
)

// CodecName 是呼叫端使用的 content-subtype（application/grpc+json）
const CodecName = "json"

// jsonCodec 讓 gRPC 以 JSON 傳遞訊息，服務定義不需產生 protobuf 程式碼
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}
