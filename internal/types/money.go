// README: Common money value object used across modules.
package types

import "math"

type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

func (m Money) Sub(o Money) Money {
	return Money{Amount: m.Amount - o.Amount, Currency: m.Currency}
}

func (m Money) IsZero() bool { return m.Amount == 0 }

// Percent returns round(m × pct / 100), halves rounded away from zero.
func (m Money) Percent(pct int) Money {
	v := math.Round(float64(m.Amount) * float64(pct) / 100.0)
	return Money{Amount: int64(v), Currency: m.Currency}
}
