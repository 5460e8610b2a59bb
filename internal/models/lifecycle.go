package models

// Action is a requested change to a transaction's lifecycle.
type Action string

const (
	ActionMarkPaid         Action = "mark_paid"
	ActionMarkFailed       Action = "mark_failed"
	ActionAttachPaymentRef Action = "attach_payment_ref"
	ActionConfirmDispatch  Action = "confirm_dispatch"
	ActionConfirmReceipt   Action = "confirm_receipt"
	ActionArchive          Action = "archive"
	ActionDelete           Action = "delete"
	ActionVoid             Action = "void"
)

// Decision is the outcome of evaluating an Action against the current state.
type Decision int

const (
	DecisionReject Decision = iota
	DecisionApply
	DecisionNoop
)

func (d Decision) String() string {
	switch d {
	case DecisionApply:
		return "apply"
	case DecisionNoop:
		return "noop"
	default:
		return "reject"
	}
}

// IsDeleted covers both the status value and legacy rows that only carry a
// deletion timestamp.
func (t *Transaction) IsDeleted() bool {
	return t.TransactionStatus == StatusDeleted || t.DeletedAt != nil
}

// Evaluate decides whether a applies to t, is already satisfied, or is not
// permitted from the current state.
func (t *Transaction) Evaluate(a Action) Decision {
	if t.IsDeleted() {
		if a == ActionDelete || a == ActionVoid {
			return DecisionNoop
		}
		return DecisionReject
	}
	if t.Archived {
		switch a {
		case ActionArchive, ActionDelete:
			return DecisionApply
		default:
			return DecisionReject
		}
	}

	switch a {
	case ActionMarkPaid:
		switch t.PaymentStatus {
		case PaymentPaid:
			return DecisionNoop
		case PaymentUnpaid, PaymentFailed:
			if t.TransactionStatus == StatusPendingPayment {
				return DecisionApply
			}
		}
		return DecisionReject

	case ActionMarkFailed:
		switch t.PaymentStatus {
		case PaymentFailed:
			return DecisionNoop
		case PaymentUnpaid:
			if t.TransactionStatus == StatusPendingPayment {
				return DecisionApply
			}
		}
		return DecisionReject

	case ActionAttachPaymentRef:
		switch t.PaymentStatus {
		case PaymentPaid:
			return DecisionNoop
		case PaymentUnpaid, PaymentFailed:
			return DecisionApply
		}
		return DecisionReject

	case ActionConfirmDispatch:
		if t.PaymentStatus != PaymentPaid {
			return DecisionReject
		}
		switch t.TransactionStatus {
		case StatusDispatchPending:
			return DecisionApply
		case StatusDispatchSent, StatusReceiptPending, StatusComplete:
			return DecisionNoop
		}
		return DecisionReject

	case ActionConfirmReceipt:
		if t.PaymentStatus != PaymentPaid {
			return DecisionReject
		}
		switch t.TransactionStatus {
		case StatusDispatchPending, StatusDispatchSent, StatusReceiptPending:
			return DecisionApply
		case StatusComplete:
			return DecisionNoop
		}
		return DecisionReject

	case ActionVoid:
		if t.PaymentStatus != PaymentPaid && t.TransactionStatus == StatusPendingPayment {
			return DecisionApply
		}
		return DecisionReject

	case ActionArchive, ActionDelete:
		return DecisionApply
	}
	return DecisionReject
}
