package task

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// MaxParamsBytes 参数序列化后的最大字节数。超出时任务创建/保存被拒绝，
// 调用方应把大列表写入工作目录文件并以文件名代替。
const MaxParamsBytes = 65000

// Params 任务参数集合：键为参数名，值为任意可 YAML 序列化的标量或嵌套结构
type Params map[string]interface{}

// Clone 深拷贝参数（对外导出）
// 扇出生成子任务时必须使用，避免子任务之间共享底层 map/slice。
func (p Params) Clone() Params {
	if p == nil {
		return Params{}
	}
	out := make(Params, len(p))
	for k, v := range p {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, e := range t {
			m[k] = cloneValue(e)
		}
		return m
	case Params:
		return map[string]interface{}(t.Clone())
	case []interface{}:
		s := make([]interface{}, len(t))
		for i, e := range t {
			s[i] = cloneValue(e)
		}
		return s
	case []string:
		s := make([]string, len(t))
		copy(s, t)
		return s
	default:
		return v
	}
}

// EncodeYAML 序列化为 YAML（对外导出）
func (p Params) EncodeYAML() ([]byte, error) {
	data, err := yaml.Marshal(map[string]interface{}(p))
	if err != nil {
		return nil, fmt.Errorf("参数序列化失败: %w", err)
	}
	return data, nil
}

// DecodeParamsYAML 从 YAML 反序列化参数（对外导出）
func DecodeParamsYAML(data []byte) (Params, error) {
	if len(data) == 0 {
		return Params{}, nil
	}
	var m map[string]interface{}
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("参数反序列化失败: %w", err)
	}
	if m == nil {
		m = map[string]interface{}{}
	}
	return Params(m), nil
}

// SerializedSize 返回 YAML 序列化后的字节数
func (p Params) SerializedSize() (int, error) {
	data, err := p.EncodeYAML()
	if err != nil {
		return 0, err
	}
	return len(data), nil
}

// CheckSize 校验参数体积不超过 MaxParamsBytes
func (p Params) CheckSize() error {
	n, err := p.SerializedSize()
	if err != nil {
		return err
	}
	if n > MaxParamsBytes {
		return fmt.Errorf("参数体积 %d 字节超过上限 %d 字节", n, MaxParamsBytes)
	}
	return nil
}

// StripKeys 删除指定键，返回自身便于链式调用
func (p Params) StripKeys(keys ...string) Params {
	for _, k := range keys {
		delete(p, k)
	}
	return p
}

// GetString 读取字符串参数，缺失或类型不符时返回空串
func (p Params) GetString(key string) string {
	switch v := p[key].(type) {
	case string:
		return v
	case fmt.Stringer:
		return v.String()
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	case float64:
		// YAML 整数经 JSON 往返后可能变成 float64
		if v == float64(int64(v)) {
			return fmt.Sprintf("%d", int64(v))
		}
		return fmt.Sprintf("%g", v)
	default:
		return ""
	}
}

// GetBool 按表单勾选框语义读取布尔参数：
// true、"1"、"true"、"yes"、"on" 视为真，其余（包括缺失）为假。
func (p Params) GetBool(key string) bool {
	switch v := p[key].(type) {
	case bool:
		return v
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "1", "true", "yes", "on":
			return true
		}
	case int:
		return v != 0
	case float64:
		return v != 0
	}
	return false
}

// GetStringSlice 读取字符串列表参数，兼容 []string 与 []interface{} 两种存法
func (p Params) GetStringSlice(key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// GetSubMap 读取嵌套 map 参数，缺失时返回 nil
func (p Params) GetSubMap(key string) map[string]interface{} {
	switch v := p[key].(type) {
	case map[string]interface{}:
		return v
	case Params:
		return v
	}
	return nil
}
