// Package matrix 实现 matrix_message 能力：以 m.text 消息发送到 Matrix 房间，返回事件 ID。
package matrix
