package handler

import (
	"time"

	"github.com/updownlive/updown-engine/internal/domain"
)

// JSON projections of the domain types. The domain structs stay tag-free;
// the wire shape is owned here.

type roundJSON struct {
	ID           string    `json:"id"`
	Mode         string    `json:"mode"`
	Status       string    `json:"status"`
	StartTime    time.Time `json:"start_time"`
	EndTime      time.Time `json:"end_time"`
	StartPrice   float64   `json:"start_price"`
	EndPrice     *float64  `json:"end_price,omitempty"`
	UpPool       float64   `json:"up_pool"`
	DownPool     float64   `json:"down_pool"`
	TxRef        string    `json:"tx_ref,omitempty"`
	CancelReason string    `json:"cancel_reason,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

func renderRound(r domain.Round) roundJSON {
	return roundJSON{
		ID:           r.ID,
		Mode:         string(r.Mode),
		Status:       string(r.Status),
		StartTime:    r.StartTime,
		EndTime:      r.EndTime,
		StartPrice:   r.StartPrice,
		EndPrice:     r.EndPrice,
		UpPool:       r.UpPool,
		DownPool:     r.DownPool,
		TxRef:        r.TxRef,
		CancelReason: r.CancelReason,
		CreatedAt:    r.CreatedAt,
	}
}

func renderRounds(rounds []domain.Round) []roundJSON {
	out := make([]roundJSON, 0, len(rounds))
	for _, r := range rounds {
		out = append(out, renderRound(r))
	}
	return out
}

type predictionJSON struct {
	ID        string    `json:"id"`
	RoundID   string    `json:"round_id"`
	UserID    string    `json:"user_id"`
	Amount    float64   `json:"amount"`
	Side      string    `json:"side"`
	Outcome   *bool     `json:"outcome,omitempty"`
	Payout    float64   `json:"payout"`
	Refunded  bool      `json:"refunded"`
	CreatedAt time.Time `json:"created_at"`
}

func renderPrediction(p domain.Prediction) predictionJSON {
	return predictionJSON{
		ID:        p.ID,
		RoundID:   p.RoundID,
		UserID:    p.UserID,
		Amount:    p.Amount,
		Side:      string(p.Side),
		Outcome:   p.Outcome,
		Payout:    p.Payout,
		Refunded:  p.Refunded,
		CreatedAt: p.CreatedAt,
	}
}

func renderPredictions(preds []domain.Prediction) []predictionJSON {
	out := make([]predictionJSON, 0, len(preds))
	for _, p := range preds {
		out = append(out, renderPrediction(p))
	}
	return out
}

type userJSON struct {
	ID        string    `json:"id"`
	Address   string    `json:"address,omitempty"`
	Balance   float64   `json:"balance"`
	Wins      int       `json:"wins"`
	Streak    int       `json:"streak"`
	CreatedAt time.Time `json:"created_at"`
}

func renderUser(u domain.User) userJSON {
	return userJSON{
		ID:        u.ID,
		Address:   u.Address,
		Balance:   u.Balance,
		Wins:      u.Wins,
		Streak:    u.Streak,
		CreatedAt: u.CreatedAt,
	}
}

type ledgerEntryJSON struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	RoundID      string    `json:"round_id"`
	PredictionID string    `json:"prediction_id,omitempty"`
	Amount       float64   `json:"amount"`
	Result       string    `json:"result"`
	CreatedAt    time.Time `json:"created_at"`
}

func renderLedger(entries []domain.LedgerEntry) []ledgerEntryJSON {
	out := make([]ledgerEntryJSON, 0, len(entries))
	for _, e := range entries {
		out = append(out, ledgerEntryJSON{
			ID:           e.ID,
			UserID:       e.UserID,
			RoundID:      e.RoundID,
			PredictionID: e.PredictionID,
			Amount:       e.Amount,
			Result:       string(e.Result),
			CreatedAt:    e.CreatedAt,
		})
	}
	return out
}

type outcomeJSON struct {
	PredictionID string  `json:"prediction_id"`
	UserID       string  `json:"user_id"`
	Won          *bool   `json:"won,omitempty"`
	Payout       float64 `json:"payout"`
	Refund       bool    `json:"refund"`
}

type settlementJSON struct {
	RoundID    string        `json:"round_id"`
	FinalPrice float64       `json:"final_price"`
	Winner     string        `json:"winner,omitempty"`
	Tie        bool          `json:"tie"`
	WinPool    float64       `json:"win_pool"`
	LosePool   float64       `json:"lose_pool"`
	Outcomes   []outcomeJSON `json:"outcomes"`
}

func renderSettlement(st domain.Settlement) settlementJSON {
	out := settlementJSON{
		RoundID:    st.RoundID,
		FinalPrice: st.FinalPrice,
		Tie:        st.Tie,
		WinPool:    st.WinPool,
		LosePool:   st.LosePool,
		Outcomes:   make([]outcomeJSON, 0, len(st.Outcomes)),
	}
	if !st.Tie && st.WinPool > 0 {
		out.Winner = string(st.Winner)
	}
	for _, o := range st.Outcomes {
		out.Outcomes = append(out.Outcomes, outcomeJSON{
			PredictionID: o.PredictionID,
			UserID:       o.UserID,
			Won:          o.Won,
			Payout:       o.Payout,
			Refund:       o.Refund,
		})
	}
	return out
}
