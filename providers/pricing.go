package providers

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

// CostTable 成本估算表，key 为 provider:model。
// 价格表是注入的查找表：token 计费的模型按 tokens × 单价估算，
// 按次计费的模型（如图像生成）按请求次数估算。
type CostTable struct {
	mu     sync.RWMutex
	prices map[string]*ModelPrice
}

// ModelPrice 模型价格。
type ModelPrice struct {
	Provider     string
	Model        string
	PriceInput   float64 // USD per 1K tokens
	PriceOutput  float64 // USD per 1K tokens
	PricePerCall float64 // USD per request，按次计费的模型使用
}

// NewCostTable 创建空的成本估算表。
func NewCostTable() *CostTable {
	return &CostTable{prices: make(map[string]*ModelPrice)}
}

// SetPrice 设置模型价格。
func (t *CostTable) SetPrice(p ModelPrice) {
	t.mu.Lock()
	defer t.mu.Unlock()
	cp := p
	t.prices[p.Provider+":"+p.Model] = &cp
}

// Price 获取模型价格，未配置时返回 nil。
func (t *CostTable) Price(provider, model string) *ModelPrice {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.prices[provider+":"+model]
}

// Estimate 计算一次调用的成本估算。
// 未配置价格时返回 0；调用方应优先采用厂商返回的计费数据。
func (t *CostTable) Estimate(provider, model string, usage Usage) float64 {
	price := t.Price(provider, model)
	if price == nil {
		return 0
	}

	if price.PricePerCall > 0 {
		units := usage.MediaUnits
		if units == 0 {
			units = 1
		}
		return float64(units) * price.PricePerCall
	}

	inputCost := float64(usage.InputTokens) / 1000 * price.PriceInput
	outputCost := float64(usage.OutputTokens) / 1000 * price.PriceOutput
	return inputCost + outputCost
}

// EstimateTokens 估算文本的 token 数。
// 优先使用 tiktoken 编码；模型不被识别时回退到字符数/4 的粗略估算，
// 用于厂商响应缺失 usage 字段的场景。
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}

	enc, err := tiktoken.EncodingForModel(model)
	if err != nil {
		enc, err = tiktoken.GetEncoding("cl100k_base")
	}
	if err == nil {
		return len(enc.Encode(text, nil, nil))
	}

	return (len(text) + 3) / 4
}
