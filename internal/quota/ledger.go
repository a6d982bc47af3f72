// Package quota tracks per-user credits and request windows using a
// reserve / commit / release protocol.
package quota

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"mediafetch/internal/domain"
)

type WindowMode string

const (
	WindowFixed   WindowMode = "fixed"
	WindowSliding WindowMode = "sliding"
)

// ErrSettled is returned when a reservation is settled a second time.
var ErrSettled = errors.New("reservation already settled")

type Config struct {
	DefaultBalance int64
	// WindowLimit is the number of reservations allowed per Window; zero disables the check.
	WindowLimit    int
	Window         time.Duration
	WindowMode     WindowMode
	UnlimitedUsers []int64
	Logger         *logrus.Logger
	Now            func() time.Time
}

// Ledger is safe for concurrent use. Operations on one account are serialized
// by that account's mutex; distinct accounts never contend beyond the map lookup.
type Ledger struct {
	cfg       Config
	log       *logrus.Logger
	unlimited map[int64]struct{}

	mu       sync.Mutex
	accounts map[int64]*account
}

type account struct {
	mu    sync.Mutex
	state domain.CreditAccount
}

type reservationState int

const (
	reserved reservationState = iota
	committed
	released
	refunded
)

// Reservation is a tentative hold on credits. It must be committed or
// released exactly once; a committed reservation may later be refunded once.
type Reservation struct {
	UserID int64
	Cost   int64

	acct  *account
	state reservationState
}

func NewLedger(cfg Config) *Ledger {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Hour
	}
	if cfg.WindowMode == "" {
		cfg.WindowMode = WindowFixed
	}
	unlimited := make(map[int64]struct{}, len(cfg.UnlimitedUsers))
	for _, id := range cfg.UnlimitedUsers {
		unlimited[id] = struct{}{}
	}
	return &Ledger{
		cfg:       cfg,
		log:       cfg.Logger,
		unlimited: unlimited,
		accounts:  make(map[int64]*account),
	}
}

func (l *Ledger) get(userID int64) *account {
	l.mu.Lock()
	defer l.mu.Unlock()
	acct, ok := l.accounts[userID]
	if !ok {
		balance := l.cfg.DefaultBalance
		if _, owner := l.unlimited[userID]; owner {
			balance = domain.Unlimited
		}
		acct = &account{state: domain.CreditAccount{
			UserID:    userID,
			Balance:   balance,
			UpdatedAt: l.cfg.Now(),
		}}
		l.accounts[userID] = acct
	}
	return acct
}

// CheckAndReserve atomically verifies the rate window and the available
// balance and, when both pass, holds cost credits for the caller.
func (l *Ledger) CheckAndReserve(userID int64, cost int64) (*Reservation, error) {
	if cost < 0 {
		return nil, domain.NewError(domain.KindInvalidInput, "negative cost", nil)
	}
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()

	st := &acct.state
	now := l.cfg.Now()
	if st.Blocked {
		return nil, domain.NewError(domain.KindQuotaExceeded, "account blocked", nil)
	}
	if st.IsUnlimited() {
		return &Reservation{UserID: userID, Cost: 0, acct: acct}, nil
	}

	l.roll(st, now)
	if !l.windowAllows(st, now) {
		return nil, domain.NewError(domain.KindQuotaExceeded, "rate limit reached", nil)
	}
	if st.Available() < cost {
		return nil, domain.NewError(domain.KindQuotaExceeded, "insufficient credits", nil)
	}

	st.Reserved += cost
	st.WindowCount++
	st.UpdatedAt = now
	return &Reservation{UserID: userID, Cost: cost, acct: acct}, nil
}

// roll advances the window so that now falls inside [WindowStart, WindowStart+Window).
func (l *Ledger) roll(st *domain.CreditAccount, now time.Time) {
	if l.cfg.WindowLimit <= 0 {
		return
	}
	if st.WindowStart.IsZero() || now.Before(st.WindowStart) {
		st.WindowStart = now
		st.WindowCount = 0
		st.PrevWindowCount = 0
		return
	}
	elapsed := now.Sub(st.WindowStart)
	if elapsed < l.cfg.Window {
		return
	}
	n := elapsed / l.cfg.Window
	if n == 1 {
		st.PrevWindowCount = st.WindowCount
	} else {
		st.PrevWindowCount = 0
	}
	st.WindowCount = 0
	st.WindowStart = st.WindowStart.Add(n * l.cfg.Window)
}

func (l *Ledger) windowAllows(st *domain.CreditAccount, now time.Time) bool {
	if l.cfg.WindowLimit <= 0 {
		return true
	}
	if l.cfg.WindowMode != WindowSliding {
		return st.WindowCount < l.cfg.WindowLimit
	}
	// weight the previous window by how much of it still overlaps the sliding window
	frac := float64(now.Sub(st.WindowStart)) / float64(l.cfg.Window)
	estimate := float64(st.PrevWindowCount)*(1-frac) + float64(st.WindowCount)
	return estimate+1 <= float64(l.cfg.WindowLimit)
}

// Commit turns the hold into a charge.
func (l *Ledger) Commit(r *Reservation) error {
	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()
	if r.state != reserved {
		return ErrSettled
	}
	st := &r.acct.state
	st.Reserved -= r.Cost
	if !st.IsUnlimited() {
		st.Balance -= r.Cost
	}
	st.Committed += r.Cost
	st.UpdatedAt = l.cfg.Now()
	r.state = committed
	return nil
}

// Release drops the hold without charging.
func (l *Ledger) Release(r *Reservation) error {
	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()
	if r.state != reserved {
		return ErrSettled
	}
	r.acct.state.Reserved -= r.Cost
	r.acct.state.UpdatedAt = l.cfg.Now()
	r.state = released
	return nil
}

// Refund reverses a committed charge. An uncommitted reservation is released instead.
func (l *Ledger) Refund(r *Reservation) error {
	r.acct.mu.Lock()
	defer r.acct.mu.Unlock()
	st := &r.acct.state
	switch r.state {
	case reserved:
		st.Reserved -= r.Cost
		r.state = released
	case committed:
		if !st.IsUnlimited() {
			st.Balance += r.Cost
		}
		st.Committed -= r.Cost
		r.state = refunded
	default:
		return ErrSettled
	}
	st.UpdatedAt = l.cfg.Now()
	return nil
}

// Grant adds amount credits; a negative amount revokes them. The balance
// never drops below zero or below what outstanding reservations hold.
func (l *Ledger) Grant(userID int64, amount int64) (domain.CreditAccount, error) {
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	st := &acct.state

	if st.IsUnlimited() {
		return *st, domain.NewError(domain.KindInvalidInput, "account is unlimited", nil)
	}
	next := st.Balance + amount
	if next < 0 || next < st.Reserved {
		return *st, domain.NewError(domain.KindInvalidInput, "balance would drop below reserved credits", nil)
	}
	st.Balance = next
	st.UpdatedAt = l.cfg.Now()
	l.log.WithFields(logrus.Fields{"user_id": userID, "amount": amount, "balance": st.Balance}).Info("Credits granted")
	return *st, nil
}

// SetUnlimited switches an account between unlimited and metered. A metered
// account restarts from the default balance, or from its held credits if larger.
func (l *Ledger) SetUnlimited(userID int64, unlimited bool) domain.CreditAccount {
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	st := &acct.state

	switch {
	case unlimited:
		st.Balance = domain.Unlimited
	case st.IsUnlimited():
		st.Balance = l.cfg.DefaultBalance
		if st.Balance < st.Reserved {
			st.Balance = st.Reserved
		}
	}
	st.UpdatedAt = l.cfg.Now()
	l.log.WithFields(logrus.Fields{"user_id": userID, "unlimited": unlimited}).Info("Account limit changed")
	return *st
}

// SetBlocked blocks or unblocks an account.
func (l *Ledger) SetBlocked(userID int64, blocked bool) domain.CreditAccount {
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.state.Blocked = blocked
	acct.state.UpdatedAt = l.cfg.Now()
	return acct.state
}

// ResetWindow clears the user's rate window.
func (l *Ledger) ResetWindow(userID int64) domain.CreditAccount {
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	acct.state.WindowStart = time.Time{}
	acct.state.WindowCount = 0
	acct.state.PrevWindowCount = 0
	acct.state.UpdatedAt = l.cfg.Now()
	return acct.state
}

// Account returns a copy of the user's account, creating it with the default balance if needed.
func (l *Ledger) Account(userID int64) domain.CreditAccount {
	acct := l.get(userID)
	acct.mu.Lock()
	defer acct.mu.Unlock()
	return acct.state
}

// Snapshot copies every account, ordered by user ID.
func (l *Ledger) Snapshot() []domain.CreditAccount {
	l.mu.Lock()
	accts := make([]*account, 0, len(l.accounts))
	for _, a := range l.accounts {
		accts = append(accts, a)
	}
	l.mu.Unlock()

	out := make([]domain.CreditAccount, 0, len(accts))
	for _, a := range accts {
		a.mu.Lock()
		out = append(out, a.state)
		a.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Restore replaces all accounts. Outstanding holds do not survive a restart,
// so Reserved is cleared.
func (l *Ledger) Restore(accounts []domain.CreditAccount) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.accounts = make(map[int64]*account, len(accounts))
	for _, a := range accounts {
		a.Reserved = 0
		if _, owner := l.unlimited[a.UserID]; owner {
			a.Balance = domain.Unlimited
		}
		l.accounts[a.UserID] = &account{state: a}
	}
}
