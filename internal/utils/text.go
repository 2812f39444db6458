package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"strings"
)

var (
	sentenceSplitter = regexp.MustCompile(`(?m)(?:[.!?])(?:\s+|$)`)
	whitespace       = regexp.MustCompile(`\s+`)
)

// CleanSentence 折叠空白并裁剪过长的句子
func CleanSentence(text string) string {
	sentence := whitespace.ReplaceAllString(strings.TrimSpace(text), " ")
	if len(sentence) > 320 {
		sentence = sentence[:320]
	}
	return sentence
}

// SplitSentences 按句号/问号/叹号切分文本为句子
func SplitSentences(text string) []string {
	var sentences []string
	start := 0
	for _, loc := range sentenceSplitter.FindAllStringIndex(text, -1) {
		cleaned := CleanSentence(text[start:loc[1]])
		if cleaned != "" {
			sentences = append(sentences, cleaned)
		}
		start = loc[1]
	}
	if tail := CleanSentence(text[start:]); tail != "" {
		sentences = append(sentences, tail)
	}
	return sentences
}

// ContainsAnyWord 判断句子是否包含任一词表项（按词边界、大小写不敏感）
func ContainsAnyWord(sentence string, vocabulary []string) bool {
	lower := strings.ToLower(sentence)
	for _, word := range vocabulary {
		pattern := regexp.MustCompile(`\b` + regexp.QuoteMeta(strings.ToLower(word)) + `\b`)
		if pattern.MatchString(lower) {
			return true
		}
	}
	return false
}

// Checksum 计算内容的 sha256 十六进制摘要
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
