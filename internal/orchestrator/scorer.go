package orchestrator

import (
	"context"
	"strings"
)

// Score 是某个上下文对命令文本的匹配得分。
type Score struct {
	Context string
	Value   float64
}

// Scorer 把命令文本映射为各上下文的得分，是可替换的意图分类策略。
type Scorer interface {
	Score(ctx context.Context, text string, contexts []Context) ([]Score, error)
}

// ScorerFunc 允许直接使用函数作为 Scorer。
type ScorerFunc func(ctx context.Context, text string, contexts []Context) ([]Score, error)

// Score 实现 Scorer。
func (f ScorerFunc) Score(ctx context.Context, text string, contexts []Context) ([]Score, error) {
	return f(ctx, text, contexts)
}

// KeywordScorer 统计命令文本中出现的触发概念数量，忽略大小写。
type KeywordScorer struct{}

// Score 实现 Scorer。
func (KeywordScorer) Score(_ context.Context, text string, contexts []Context) ([]Score, error) {
	text = strings.ToLower(text)
	scores := make([]Score, 0, len(contexts))
	for _, c := range contexts {
		hits := 0
		for _, concept := range c.TriggerConcepts {
			concept = strings.ToLower(strings.TrimSpace(concept))
			if concept != "" && strings.Contains(text, concept) {
				hits++
			}
		}
		scores = append(scores, Score{Context: c.Name, Value: float64(hits)})
	}
	return scores, nil
}
