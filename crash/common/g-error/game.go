package g_error

import "errors"

var (
	ErrInvalidAmount       = errors.New("invalid bet amount")
	ErrNotBettingPhase     = errors.New("betting is only allowed during the betting phase")
	ErrDuplicateBet        = errors.New("you already have a bet in this round")
	ErrInsufficientBalance = errors.New("insufficient balance")
	ErrUserNotFound        = errors.New("user not found")

	ErrNotRunningPhase  = errors.New("round is not running")
	ErrNoBetInRound     = errors.New("no active bet to cash out")
	ErrAlreadyCashedOut = errors.New("already cashed out")

	ErrInvalidRTP      = errors.New("rtp must be within [0.8, 0.99]")
	ErrRTPWhileRunning = errors.New("can't change rtp while a round is running")

	ErrRoundNotRevealed = errors.New("round not revealed yet")
)
