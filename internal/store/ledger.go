package store

import (
	"database/sql"
	"errors"
	"time"
)

// ErrInsufficientCredits is the deduction sentinel for a balance race.
var ErrInsufficientCredits = errors.New("insufficient credits")

// GetBalance returns the user's current credit balance. Unknown users have
// a zero balance.
func (s *Store) GetBalance(userID string) (int, error) {
	var balance int
	err := s.db.QueryRow(`SELECT balance FROM ledger WHERE user_id = ?`, userID).Scan(&balance)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	return balance, err
}

// GrantCredits adds credits to the user's balance and returns the new total.
func (s *Store) GrantCredits(userID string, amount int) (int, error) {
	_, err := s.db.Exec(`
		INSERT INTO ledger (user_id, balance) VALUES (?, ?)
		ON CONFLICT(user_id) DO UPDATE SET balance = balance + excluded.balance
	`, userID, amount)
	if err != nil {
		return 0, err
	}
	return s.GetBalance(userID)
}

// DeductCredits atomically subtracts amount from the user's balance,
// idempotent under the given key: a retried deduction with a key already
// recorded returns the current balance without debiting again. Returns
// ErrInsufficientCredits when the balance cannot cover the amount.
func (s *Store) DeductCredits(userID string, amount int, idempotencyKey, description string) (int, error) {
	tx, err := s.db.Begin()
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var existing int
	err = tx.QueryRow(`SELECT COUNT(*) FROM ledger_entries WHERE idempotency_key = ?`, idempotencyKey).Scan(&existing)
	if err != nil {
		return 0, err
	}

	if existing == 0 {
		var balance int
		err = tx.QueryRow(`SELECT balance FROM ledger WHERE user_id = ?`, userID).Scan(&balance)
		if errors.Is(err, sql.ErrNoRows) {
			balance = 0
		} else if err != nil {
			return 0, err
		}

		if balance < amount {
			return balance, ErrInsufficientCredits
		}

		if _, err := tx.Exec(`UPDATE ledger SET balance = balance - ? WHERE user_id = ?`, amount, userID); err != nil {
			return 0, err
		}
		_, err = tx.Exec(`
			INSERT INTO ledger_entries (idempotency_key, user_id, amount, description, created_at)
			VALUES (?, ?, ?, ?, ?)
		`, idempotencyKey, userID, amount, description, time.Now())
		if err != nil {
			return 0, err
		}
	}

	var newBalance int
	err = tx.QueryRow(`SELECT balance FROM ledger WHERE user_id = ?`, userID).Scan(&newBalance)
	if errors.Is(err, sql.ErrNoRows) {
		newBalance = 0
	} else if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return newBalance, nil
}
