package broadcast

import (
	"encoding/json"
)

// Redactor 释放时载荷脱敏器
// 按配置移除 JSON 顶层敏感字段（如车队内部通话、调校数据），
// 脱敏发生在释放时而非入队时，保证配置热调整对存量队列同样生效。
type Redactor struct {
	// fields 待移除的顶层字段名集合
	fields map[string]struct{}
}

// NewRedactor 创建脱敏器
// 参数 fields: 待移除的顶层字段名，空集合时脱敏为恒等变换
func NewRedactor(fields []string) *Redactor {
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return &Redactor{fields: set}
}

// Apply 对载荷做脱敏，返回移除敏感字段后的 JSON
// 非 JSON 对象或解析失败时原样返回：脱敏失败不应阻断释放，
// 该场景由上游载荷校验兜底。
func (r *Redactor) Apply(payload []byte) []byte {
	if len(r.fields) == 0 {
		return payload
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return payload
	}

	removed := false
	for f := range r.fields {
		if _, ok := obj[f]; ok {
			delete(obj, f)
			removed = true
		}
	}
	if !removed {
		return payload
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return payload
	}
	return out
}
