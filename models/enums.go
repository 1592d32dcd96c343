package models

// OperationType names the dealer-site action an operation drives.
type OperationType string

const (
	OperationTypeRenew          OperationType = "RENEW"
	OperationTypeCheckBalance   OperationType = "CHECK_BALANCE"
	OperationTypeSignalRefresh  OperationType = "SIGNAL_REFRESH"
	OperationTypeSignalCheck    OperationType = "SIGNAL_CHECK"
	OperationTypeSignalActivate OperationType = "SIGNAL_ACTIVATE"
)

func ParseOperationType(s string) (OperationType, bool) {
	switch OperationType(s) {
	case OperationTypeRenew, OperationTypeCheckBalance, OperationTypeSignalRefresh,
		OperationTypeSignalCheck, OperationTypeSignalActivate:
		return OperationType(s), true
	}
	return "", false
}

type OperationStatus string

const (
	OperationStatusPending              OperationStatus = "PENDING"
	OperationStatusProcessing           OperationStatus = "PROCESSING"
	OperationStatusAwaitingCaptcha      OperationStatus = "AWAITING_CAPTCHA"
	OperationStatusAwaitingPackage      OperationStatus = "AWAITING_PACKAGE"
	OperationStatusAwaitingFinalConfirm OperationStatus = "AWAITING_FINAL_CONFIRM"
	OperationStatusCompleting           OperationStatus = "COMPLETING"
	OperationStatusCompleted            OperationStatus = "COMPLETED"
	OperationStatusFailed               OperationStatus = "FAILED"
	OperationStatusCancelled            OperationStatus = "CANCELLED"
)

// IsTerminal reports whether the operation can never change again.
func (s OperationStatus) IsTerminal() bool {
	return s == OperationStatusCompleted || s == OperationStatusFailed || s == OperationStatusCancelled
}

// IsInteractive reports whether a human decision is pending and the owning
// client must keep a heartbeat alive.
func (s OperationStatus) IsInteractive() bool {
	return s == OperationStatusAwaitingCaptcha ||
		s == OperationStatusAwaitingPackage ||
		s == OperationStatusAwaitingFinalConfirm
}

// InteractiveStatuses is the IN-clause form of IsInteractive.
var InteractiveStatuses = []OperationStatus{
	OperationStatusAwaitingCaptcha,
	OperationStatusAwaitingPackage,
	OperationStatusAwaitingFinalConfirm,
}

// OwnerType distinguishes the two balance holders. Every operation and
// ledger entry belongs to exactly one of them.
type OwnerType string

const (
	OwnerTypeReseller OwnerType = "R"
	OwnerTypeCustomer OwnerType = "C"
)

// LedgerEntryKind classifies a ledger row. DEPOSIT, WITHDRAW,
// OPERATION_DEDUCT and REFUND move the primary balance; DEBIT and CREDIT
// record store-credit movements so every balance change leaves a row.
type LedgerEntryKind string

const (
	LedgerEntryKindDeposit         LedgerEntryKind = "DEPOSIT"
	LedgerEntryKindWithdraw        LedgerEntryKind = "WITHDRAW"
	LedgerEntryKindOperationDeduct LedgerEntryKind = "OPERATION_DEDUCT"
	LedgerEntryKindRefund          LedgerEntryKind = "REFUND"
	LedgerEntryKindCredit          LedgerEntryKind = "CREDIT"
	LedgerEntryKindDebit           LedgerEntryKind = "DEBIT"
)

// JobType mirrors the transition being requested of the automation worker.
type JobType string

const (
	JobTypeStartRenewal        JobType = "START_RENEWAL"
	JobTypeSubmitCaptcha       JobType = "SUBMIT_CAPTCHA"
	JobTypeConfirmPurchase     JobType = "CONFIRM_PURCHASE"
	JobTypeCancelConfirm       JobType = "CANCEL_CONFIRM"
	JobTypeCheckAccountBalance JobType = "CHECK_ACCOUNT_BALANCE"
	JobTypeSignalCheck         JobType = "SIGNAL_CHECK"
	JobTypeSignalActivate      JobType = "SIGNAL_ACTIVATE"
	JobTypeSignalRefresh       JobType = "SIGNAL_REFRESH"
)

// StartJobType maps an operation type to the job that kicks its flow off.
func (t OperationType) StartJobType() JobType {
	switch t {
	case OperationTypeRenew:
		return JobTypeStartRenewal
	case OperationTypeCheckBalance:
		return JobTypeCheckAccountBalance
	case OperationTypeSignalCheck:
		return JobTypeSignalCheck
	case OperationTypeSignalActivate:
		return JobTypeSignalActivate
	case OperationTypeSignalRefresh:
		return JobTypeSignalRefresh
	}
	return JobTypeStartRenewal
}

type UserRole string

const (
	UserRoleAdmin    UserRole = "A"
	UserRoleReseller UserRole = "R"
)
