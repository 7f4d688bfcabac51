package domain

import "errors"

var (
	ErrPaymentNotFound   = errors.New("payment not found")
	ErrIllegalTransition = errors.New("illegal payment status transition")
	ErrConcurrentUpdate  = errors.New("payment status changed concurrently")
	ErrRecordNotFound    = errors.New("record not found")
)
