package onnx

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"regexp"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Special tokens of CLIP vocabularies
const (
	clipStart = "<|startoftext|>"
	clipEnd   = "<|endoftext|>"
	clipPad   = "!"
	wordEnd   = "</w>"
)

var (
	clipPattern = regexp.MustCompile(`(?i)<\|startoftext\|>|<\|endoftext\|>|'s|'t|'re|'ve|'m|'ll|'d|\p{L}+|\p{N}|[^\s\p{L}\p{N}]+`)
	whitespace  = regexp.MustCompile(`\s+`)
)

// clipTokenizer is the byte-level BPE tokenizer of CLIP text encoders
type clipTokenizer struct {
	vocab   map[string]int32
	ranks   map[[2]string]int
	byteMap [256]string

	start, end, pad int32
}

// tokenizerFile is the subset of a tokenizer.json export the BPE model needs
type tokenizerFile struct {
	Model struct {
		Type   string            `json:"type"`
		Vocab  map[string]int32  `json:"vocab"`
		Merges []json.RawMessage `json:"merges"`
	} `json:"model"`
}

func loadCLIPTokenizer(path string) (*clipTokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("onnx: read tokenizer: %w", err)
	}

	var f tokenizerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("onnx: parse tokenizer: %w", err)
	}
	if f.Model.Type != "BPE" {
		return nil, fmt.Errorf("onnx: tokenizer model is %q, want BPE", f.Model.Type)
	}

	merges := make([][2]string, 0, len(f.Model.Merges))
	for i, raw := range f.Model.Merges {
		pair, err := parseMerge(raw)
		if err != nil {
			return nil, fmt.Errorf("onnx: tokenizer merge %d: %w", i, err)
		}
		merges = append(merges, pair)
	}
	return newCLIPTokenizer(f.Model.Vocab, merges)
}

// parseMerge accepts both merge encodings: "a b" and ["a", "b"]
func parseMerge(raw json.RawMessage) ([2]string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		a, b, ok := strings.Cut(s, " ")
		if !ok {
			return [2]string{}, fmt.Errorf("malformed merge %q", s)
		}
		return [2]string{a, b}, nil
	}

	var pair []string
	if err := json.Unmarshal(raw, &pair); err != nil || len(pair) != 2 {
		return [2]string{}, fmt.Errorf("malformed merge %s", raw)
	}
	return [2]string{pair[0], pair[1]}, nil
}

func newCLIPTokenizer(vocab map[string]int32, merges [][2]string) (*clipTokenizer, error) {
	start, ok := vocab[clipStart]
	if !ok {
		return nil, fmt.Errorf("onnx: tokenizer vocab has no %s", clipStart)
	}
	end, ok := vocab[clipEnd]
	if !ok {
		return nil, fmt.Errorf("onnx: tokenizer vocab has no %s", clipEnd)
	}
	pad, ok := vocab[clipPad]
	if !ok {
		pad = end
	}

	ranks := make(map[[2]string]int, len(merges))
	for i, m := range merges {
		if _, dup := ranks[m]; !dup {
			ranks[m] = i
		}
	}

	return &clipTokenizer{
		vocab:   vocab,
		ranks:   ranks,
		byteMap: bytesToUnicode(),
		start:   start,
		end:     end,
		pad:     pad,
	}, nil
}

// bytesToUnicode maps every byte to a printable rune: printable Latin-1
// bytes map to themselves, the rest to runes from U+0100 upward
func bytesToUnicode() [256]string {
	var m [256]string
	n := 0
	for b := 0; b < 256; b++ {
		if (b >= '!' && b <= '~') || (b >= 0xA1 && b <= 0xAC) || (b >= 0xAE && b <= 0xFF) {
			m[b] = string(rune(b))
			continue
		}
		m[b] = string(rune(256 + n))
		n++
	}
	return m
}

// encode returns the token ids of text without start and end tokens.
// Pieces missing from the vocabulary map to the end token, CLIP's unknown.
func (t *clipTokenizer) encode(text string) []int32 {
	text = norm.NFC.String(text)
	text = strings.ToLower(strings.TrimSpace(whitespace.ReplaceAllString(text, " ")))

	var ids []int32
	var sb strings.Builder
	for _, word := range clipPattern.FindAllString(text, -1) {
		sb.Reset()
		for _, c := range []byte(word) {
			sb.WriteString(t.byteMap[c])
		}
		for _, piece := range t.bpe(sb.String()) {
			id, ok := t.vocab[piece]
			if !ok {
				id = t.end
			}
			ids = append(ids, id)
		}
	}
	return ids
}

// bpe merges the symbols of one byte-mapped word, lowest rank first
func (t *clipTokenizer) bpe(word string) []string {
	runes := []rune(word)
	if len(runes) == 0 {
		return nil
	}
	parts := make([]string, len(runes))
	for i, r := range runes {
		parts[i] = string(r)
	}
	parts[len(parts)-1] += wordEnd

	for len(parts) > 1 {
		best, bestRank := -1, math.MaxInt
		for i := 0; i < len(parts)-1; i++ {
			if r, ok := t.ranks[[2]string{parts[i], parts[i+1]}]; ok && r < bestRank {
				best, bestRank = i, r
			}
		}
		if best < 0 {
			break
		}

		a, b := parts[best], parts[best+1]
		merged := make([]string, 0, len(parts)-1)
		for i := 0; i < len(parts); {
			if i < len(parts)-1 && parts[i] == a && parts[i+1] == b {
				merged = append(merged, a+b)
				i += 2
				continue
			}
			merged = append(merged, parts[i])
			i++
		}
		parts = merged
	}
	return parts
}

// queries tokenizes each label into a row of width ids framed by start and
// end tokens and padded, plus the matching attention mask. Long labels are
// truncated so the end token always fits.
func (t *clipTokenizer) queries(labels []string, width int) (ids, mask []int32) {
	ids = make([]int32, len(labels)*width)
	mask = make([]int32, len(labels)*width)
	for q, label := range labels {
		toks := t.encode(label)
		if len(toks) > width-2 {
			toks = toks[:width-2]
		}
		row := ids[q*width : (q+1)*width]
		row[0] = t.start
		copy(row[1:], toks)
		row[len(toks)+1] = t.end
		for i := len(toks) + 2; i < width; i++ {
			row[i] = t.pad
		}
		m := mask[q*width : (q+1)*width]
		for i := 0; i < len(toks)+2; i++ {
			m[i] = 1
		}
	}
	return ids, mask
}
