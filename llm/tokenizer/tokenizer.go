package tokenizer

import (
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"
)

// Tokenizer 统一的 token 计数接口
type Tokenizer interface {
	CountTokens(text string) (int, error)
	Name() string
}

// TiktokenTokenizer 为 OpenAI 系列模型提供精确计数，编码数据首次使用时加载
type TiktokenTokenizer struct {
	encoding string
	enc      *tiktoken.Tiktoken
	once     sync.Once
	initErr  error
}

// 模型前缀到编码的映射
var modelEncodings = []struct {
	prefix   string
	encoding string
}{
	{"gpt-4o", "o200k_base"},
	{"o1", "o200k_base"},
	{"o3", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
}

// EncodingFor 返回模型对应的编码，未知模型使用 cl100k_base
func EncodingFor(model string) string {
	for _, m := range modelEncodings {
		if strings.HasPrefix(model, m.prefix) {
			return m.encoding
		}
	}
	return "cl100k_base"
}

// NewTiktokenTokenizer 为模型创建 tiktoken 分词器
func NewTiktokenTokenizer(model string) *TiktokenTokenizer {
	return &TiktokenTokenizer{encoding: EncodingFor(model)}
}

func (t *TiktokenTokenizer) init() error {
	t.once.Do(func() {
		enc, err := tiktoken.GetEncoding(t.encoding)
		if err != nil {
			t.initErr = fmt.Errorf("init tiktoken encoding %s: %w", t.encoding, err)
			return
		}
		t.enc = enc
	})
	return t.initErr
}

func (t *TiktokenTokenizer) CountTokens(text string) (int, error) {
	if err := t.init(); err != nil {
		return 0, err
	}
	return len(t.enc.Encode(text, nil, nil)), nil
}

func (t *TiktokenTokenizer) Name() string {
	return fmt.Sprintf("tiktoken[%s]", t.encoding)
}

// EstimatorTokenizer 基于字符数的估算器，区分 CJK 与 ASCII 字符
type EstimatorTokenizer struct{}

func (EstimatorTokenizer) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	total := utf8.RuneCountInString(text)
	cjk := 0
	for _, r := range text {
		if isCJK(r) {
			cjk++
		}
	}
	// CJK 约 1.5 字符/token，ASCII 约 4 字符/token
	estimated := int(float64(cjk)/1.5 + float64(total-cjk)/4.0)
	if estimated == 0 {
		estimated = 1
	}
	return estimated, nil
}

func (EstimatorTokenizer) Name() string { return "estimator" }

func isCJK(r rune) bool {
	return (r >= 0x4E00 && r <= 0x9FFF) ||
		(r >= 0x3400 && r <= 0x4DBF) ||
		(r >= 0x3040 && r <= 0x30FF) ||
		(r >= 0xAC00 && r <= 0xD7AF)
}

// Fallback 优先使用 primary，失败时退回估算器
type Fallback struct {
	Primary Tokenizer
}

func (f Fallback) CountTokens(text string) (int, error) {
	if f.Primary != nil {
		if n, err := f.Primary.CountTokens(text); err == nil {
			return n, nil
		}
	}
	return EstimatorTokenizer{}.CountTokens(text)
}

func (f Fallback) Name() string {
	if f.Primary != nil {
		return f.Primary.Name() + "+estimator"
	}
	return "estimator"
}

// ForModel 返回模型的分词器：tiktoken，编码数据不可用时退回估算器
func ForModel(model string) Tokenizer {
	return Fallback{Primary: NewTiktokenTokenizer(model)}
}
