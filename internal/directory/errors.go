package directory

import "errors"

// 业务层通用错误,调用方据此映射到 HTTP 状态码或 WS 错误码。
// ErrRoomNotFound 与 ErrNotAuthorized 必须可区分:前者表示房间尚未由审批创建。
var (
	ErrRoomNotFound  = errors.New("room not found")
	ErrNotAuthorized = errors.New("not authorized")
	ErrEmptyMessage  = errors.New("empty message")
)
