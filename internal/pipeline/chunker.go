// Package pipeline 定义了文档摄取的核心流程。
package pipeline

import (
	"errors"
	"strings"
)

// 分块参数非法时在进入管道前同步拒绝。
var (
	ErrEmptyText       = errors.New("文本内容为空")
	ErrInvalidChunking = errors.New("分块参数非法: 要求 chunkSize > 0 且 0 <= overlap < chunkSize")
)

// Span 是规范化词序列上的一个连续窗口，[StartWord, EndWord) 为词偏移。
// 偏移用于结果展示时回溯到原文位置。
type Span struct {
	Text      string
	StartWord int
	EndWord   int
}

// NormalizeText 将原始文本规范化为词序列（按 Unicode 空白切分）。
func NormalizeText(text string) []string {
	return strings.Fields(text)
}

// SplitText 将文本按滑动窗口切分为带重叠的分块。
// chunkSize 与 overlap 以词为单位，步长为 chunkSize-overlap，
// 末尾窗口收缩到剩余文本（不做填充）。
// 此函数是纯函数：相同输入永远产生相同的分块集合，
// 这是基于内容哈希去重能够成立的前提。
func SplitText(text string, chunkSize, overlap int) ([]Span, error) {
	words := NormalizeText(text)
	return splitWords(words, chunkSize, overlap)
}

func splitWords(words []string, chunkSize, overlap int) ([]Span, error) {
	if chunkSize <= 0 || overlap < 0 || overlap >= chunkSize {
		return nil, ErrInvalidChunking
	}
	if len(words) == 0 {
		return nil, ErrEmptyText
	}

	// 文本短于一个窗口时，恰好产生一个覆盖全文的分块
	if len(words) <= chunkSize {
		return []Span{{
			Text:      strings.Join(words, " "),
			StartWord: 0,
			EndWord:   len(words),
		}}, nil
	}

	stride := chunkSize - overlap
	var spans []Span
	for start := 0; start < len(words); start += stride {
		end := start + chunkSize
		if end > len(words) {
			end = len(words)
		}
		spans = append(spans, Span{
			Text:      strings.Join(words[start:end], " "),
			StartWord: start,
			EndWord:   end,
		})
		if end == len(words) {
			break
		}
	}
	return spans, nil
}
