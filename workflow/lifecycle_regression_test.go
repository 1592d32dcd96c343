package workflow_test

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mmsattv/panel_backend/config"
	"github.com/mmsattv/panel_backend/models"
	"github.com/mmsattv/panel_backend/utils"
	"github.com/mmsattv/panel_backend/workflow"
	"github.com/shopspring/decimal"
)

// Lifecycle regression harness.
//
// Covers the money-safety properties end to end against real MySQL + Redis:
// - deferred deduction happens exactly once at final confirmation
// - refunds are applied at most once under overlapping sweeps
// - balances are conserved on every non-completed path
//
// Usage (requires Docker): INTEGRATION_TESTS=1 go test ./workflow -run Lifecycle -v

type recordingQueue struct {
	mu   sync.Mutex
	jobs []workflow.Job
}

func (q *recordingQueue) Enqueue(ctx context.Context, job workflow.Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = append(q.jobs, job)
	return nil
}

func (q *recordingQueue) RequeueWithBackoff(ctx context.Context, job workflow.Job) error {
	return q.Enqueue(ctx, job)
}

func (q *recordingQueue) countOfType(jt models.JobType) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, j := range q.jobs {
		if j.Type == jt {
			n++
		}
	}
	return n
}

func setupLifecycleEnv(t *testing.T) *recordingQueue {
	t.Helper()
	if strings.TrimSpace(os.Getenv("INTEGRATION_TESTS")) == "" {
		t.Skip("set INTEGRATION_TESTS=1 to run integration tests (requires docker)")
	}

	redisName, redisPort := startRedisContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(redisName) })

	mysqlName, mysqlPort := startMySQLContainer(t)
	t.Cleanup(func() { _ = dockerRmForce(mysqlName) })

	t.Setenv("REDIS_ADDRESS", fmt.Sprintf("127.0.0.1:%s", redisPort))
	t.Setenv("DB_USER", "root")
	t.Setenv("DB_PASSWORD", "testpw")
	t.Setenv("DB_HOST", "127.0.0.1")
	t.Setenv("DB_PORT", mysqlPort)
	t.Setenv("DB_NAME", "panel_test")

	config.ConnectDatabaseWithRetry()
	config.ConnectRedisWithRetry()
	models.MigrateTable()

	queue := &recordingQueue{}
	workflow.SetJobQueue(queue)
	t.Cleanup(func() { workflow.SetJobQueue(nil) })
	return queue
}

func newTestReseller(t *testing.T, ctx context.Context, balance string) (*models.User, context.Context) {
	t.Helper()
	user, err := models.CreateUser(ctx, &models.NewUser{
		Username: fmt.Sprintf("reseller-%d", time.Now().UnixNano()),
		Name:     "Test Reseller",
		Password: "test-password",
	})
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if err := workflow.AdjustBalance(ctx, models.ResellerOwner(user.ID), decimal.RequireFromString(balance), "seed"); err != nil {
		t.Fatalf("AdjustBalance: %v", err)
	}
	return user, utils.SetUserIdInContext(ctx, user.ID)
}

func resellerBalance(t *testing.T, userId int) decimal.Decimal {
	t.Helper()
	user, err := models.GetUser(context.Background(), config.GetDB(), userId)
	if err != nil {
		t.Fatalf("GetUser: %v", err)
	}
	return user.Balance
}

func ledgerCount(t *testing.T, operationId string, kind models.LedgerEntryKind) int64 {
	t.Helper()
	var n int64
	err := config.GetDB().Model(&models.LedgerEntry{}).
		Where("operation_id = ? AND kind = ?", operationId, kind).
		Count(&n).Error
	if err != nil {
		t.Fatalf("count ledger entries: %v", err)
	}
	return n
}

func operationStatus(t *testing.T, workerCtx context.Context, operationId string) models.OperationStatus {
	t.Helper()
	op, err := models.FetchOperation(workerCtx, config.GetDB(), operationId)
	if err != nil {
		t.Fatalf("FetchOperation: %v", err)
	}
	return op.Status
}

// driveToAwaitingPackage runs an operation through worker pickup and package
// report with the given dealer prices.
func driveToAwaitingPackage(t *testing.T, ownerCtx, workerCtx context.Context, prices ...string) string {
	t.Helper()
	op, err := workflow.CreateOperation(ownerCtx, &workflow.CreateOperationInput{
		Type:       "RENEW",
		CardNumber: "1234567890",
	})
	if err != nil {
		t.Fatalf("CreateOperation: %v", err)
	}
	if op.Status != models.OperationStatusPending {
		t.Fatalf("fresh operation status = %s; want PENDING", op.Status)
	}

	if err := workflow.WorkerAccept(workerCtx, op.ID); err != nil {
		t.Fatalf("WorkerAccept: %v", err)
	}

	offers := make(models.PackageOffers, 0, len(prices))
	for i, p := range prices {
		offers = append(offers, models.PackageOffer{
			Name:     fmt.Sprintf("Package %d", i+1),
			Price:    decimal.RequireFromString(p),
			Duration: "12 months",
		})
	}
	if err := workflow.WorkerReportPackages(workerCtx, op.ID, offers); err != nil {
		t.Fatalf("WorkerReportPackages: %v", err)
	}
	return op.ID
}

func TestLifecycle_HappyPathRenew(t *testing.T) {
	queue := setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	user, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140", "250")

	if n := queue.countOfType(models.JobTypeStartRenewal); n != 1 {
		t.Fatalf("expected 1 start job, got %d", n)
	}

	// The reported packages must survive the write and come back decoded.
	view, err := workflow.GetOperationStatus(ownerCtx, opId)
	if err != nil {
		t.Fatalf("GetOperationStatus: %v", err)
	}
	if len(view.AvailablePackages) != 2 {
		t.Fatalf("available packages = %d; want 2", len(view.AvailablePackages))
	}
	if !view.AvailablePackages[0].Price.Equal(decimal.RequireFromString("140")) {
		t.Fatalf("first package price = %s; want 140", view.AvailablePackages[0].Price)
	}

	price, err := workflow.SelectPackage(ownerCtx, opId, 0, nil)
	if err != nil {
		t.Fatalf("SelectPackage: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("140")) {
		t.Fatalf("reseller price = %s; want 140 (no markup)", price)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusAwaitingFinalConfirm {
		t.Fatalf("status after selection = %s; want AWAITING_FINAL_CONFIRM", got)
	}
	view, err = workflow.GetOperationStatus(ownerCtx, opId)
	if err != nil {
		t.Fatalf("GetOperationStatus: %v", err)
	}
	if view.SelectedPackage == nil {
		t.Fatalf("selected package missing from confirmation view")
	}
	if !view.SelectedPackage.Price.Equal(decimal.RequireFromString("140")) {
		t.Fatalf("selected package price = %s; want 140", view.SelectedPackage.Price)
	}
	// Selection must not move money.
	if n := ledgerCount(t, opId, models.LedgerEntryKindOperationDeduct); n != 0 {
		t.Fatalf("expected no deduct entries before confirmation, got %d", n)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("balance after selection = %s; want 200", got)
	}

	if err := workflow.ConfirmFinal(ownerCtx, opId); err != nil {
		t.Fatalf("ConfirmFinal: %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusCompleting {
		t.Fatalf("status after confirm = %s; want COMPLETING", got)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("balance after confirm = %s; want 60", got)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindOperationDeduct); n != 1 {
		t.Fatalf("expected exactly 1 deduct entry, got %d", n)
	}

	result := `{"new_expiry_date":"2027-03-01","receipt_number":"RCPT-77"}`
	if err := workflow.WorkerComplete(workerCtx, opId, result, "renewed"); err != nil {
		t.Fatalf("WorkerComplete: %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusCompleted {
		t.Fatalf("final status = %s; want COMPLETED", got)
	}

	view, err = workflow.GetOperationStatus(ownerCtx, opId)
	if err != nil {
		t.Fatalf("GetOperationStatus: %v", err)
	}
	renewal, ok := view.Result.(*models.RenewalResult)
	if !ok {
		t.Fatalf("expected typed renewal result, got %T", view.Result)
	}
	if renewal.ReceiptNumber != "RCPT-77" {
		t.Fatalf("receipt = %q; want RCPT-77", renewal.ReceiptNumber)
	}
}

func TestLifecycle_InsufficientBalanceAtSelection(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	user, ownerCtx := newTestReseller(t, ctx, "50")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	_, err := workflow.SelectPackage(ownerCtx, opId, 0, nil)
	if err != utils.ErrorInsufficientBalance {
		t.Fatalf("expected ErrorInsufficientBalance, got %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusAwaitingPackage {
		t.Fatalf("status = %s; want AWAITING_PACKAGE unchanged", got)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("balance = %s; want 50 unchanged", got)
	}
}

func TestLifecycle_UnknownPackageIndexRejected(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	_, ownerCtx := newTestReseller(t, ctx, "500")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	if _, err := workflow.SelectPackage(ownerCtx, opId, 5, nil); err != utils.ErrorUnknownPackage {
		t.Fatalf("expected ErrorUnknownPackage, got %v", err)
	}
	if _, err := workflow.SelectPackage(ownerCtx, opId, -1, nil); err != utils.ErrorUnknownPackage {
		t.Fatalf("expected ErrorUnknownPackage for negative index, got %v", err)
	}
}

func TestLifecycle_ConfirmFromWrongStatusRejected(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	_, ownerCtx := newTestReseller(t, ctx, "500")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	// Still AWAITING_PACKAGE; confirmation is not legal yet.
	if err := workflow.ConfirmFinal(ownerCtx, opId); err != utils.ErrorInvalidStatus {
		t.Fatalf("expected ErrorInvalidStatus, got %v", err)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindOperationDeduct); n != 0 {
		t.Fatalf("illegal confirm must not write ledger entries, got %d", n)
	}
}

func TestLifecycle_ReaperRefundsDeductedOperationOnce(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	user, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	if _, err := workflow.SelectPackage(ownerCtx, opId, 0, nil); err != nil {
		t.Fatalf("SelectPackage: %v", err)
	}
	if err := workflow.ConfirmFinal(ownerCtx, opId); err != nil {
		t.Fatalf("ConfirmFinal: %v", err)
	}

	// Wedge the operation in COMPLETING past the reaper timeout.
	old := time.Now().UTC().Add(-time.Hour)
	if err := config.GetDB().Exec("UPDATE operations SET updated_at = ? WHERE id = ?", old, opId).Error; err != nil {
		t.Fatalf("backdate operation: %v", err)
	}

	reaper := workflow.NewStaleOperationReaper(config.GetDB(), config.GetLogger())
	if _, err := reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("first sweep: %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusFailed {
		t.Fatalf("status after sweep = %s; want FAILED", got)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindRefund); n != 1 {
		t.Fatalf("expected exactly 1 refund entry, got %d", n)
	}

	// Overlapping second sweep must change nothing.
	if _, err := reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("second sweep: %v", err)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindRefund); n != 1 {
		t.Fatalf("second sweep added a refund entry: got %d", n)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("balance conservation violated: %s; want 200", got)
	}
}

func TestLifecycle_HeartbeatExpiryFailsWithoutRefund(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	user, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	// Abandoned client: heartbeat window already lapsed.
	expired := time.Now().UTC().Add(-time.Minute)
	if err := config.GetDB().Exec("UPDATE operations SET heartbeat_expiry = ? WHERE id = ?", expired, opId).Error; err != nil {
		t.Fatalf("expire heartbeat: %v", err)
	}

	reaper := workflow.NewStaleOperationReaper(config.GetDB(), config.GetLogger())
	if _, err := reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusFailed {
		t.Fatalf("status = %s; want FAILED", got)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindRefund); n != 0 {
		t.Fatalf("no money was held; expected 0 refund entries, got %d", n)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("balance = %s; want 200 untouched", got)
	}
}

func TestLifecycle_ConcurrentCancelConfirm(t *testing.T) {
	queue := setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	_, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")
	if _, err := workflow.SelectPackage(ownerCtx, opId, 0, nil); err != nil {
		t.Fatalf("SelectPackage: %v", err)
	}

	const attempts = 2
	errs := make(chan error, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- workflow.CancelConfirm(ownerCtx, opId)
		}()
	}
	wg.Wait()
	close(errs)

	wins, rejects := 0, 0
	for err := range errs {
		switch err {
		case nil:
			wins++
		case utils.ErrorOperationBusy, utils.ErrorInvalidStatus:
			rejects++
		default:
			t.Fatalf("unexpected cancel error: %v", err)
		}
	}
	if wins != 1 || rejects != 1 {
		t.Fatalf("expected 1 winner and 1 reject, got %d/%d", wins, rejects)
	}
	if n := queue.countOfType(models.JobTypeCancelConfirm); n != 1 {
		t.Fatalf("expected exactly 1 cancel job enqueued, got %d", n)
	}
}

func TestLifecycle_CustomerStoreCreditSplitRefund(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	customer, err := models.CreateCustomer(ctx, &models.NewCustomer{
		Phone:    fmt.Sprintf("09%d", time.Now().UnixNano()%1e9),
		Name:     "Test Customer",
		Password: "test-password",
	})
	if err != nil {
		t.Fatalf("CreateCustomer: %v", err)
	}
	db := config.GetDB()
	if err := db.Model(&models.Customer{}).Where("id = ?", customer.ID).
		Updates(map[string]interface{}{"wallet_balance": "150", "store_credit": "50"}).Error; err != nil {
		t.Fatalf("seed customer funds: %v", err)
	}
	ownerCtx := utils.SetCustomerIdInContext(ctx, customer.ID)

	t.Setenv("MARKUP_PERCENT", "20")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	price, err := workflow.SelectPackage(ownerCtx, opId, 0, nil)
	if err != nil {
		t.Fatalf("SelectPackage: %v", err)
	}
	if !price.Equal(decimal.RequireFromString("168")) {
		t.Fatalf("customer price = %s; want 168 (20%% markup)", price)
	}

	if err := workflow.ConfirmFinal(ownerCtx, opId); err != nil {
		t.Fatalf("ConfirmFinal: %v", err)
	}

	// Store credit (50) spent before wallet (118 of 150).
	after, err := models.GetCustomer(ctx, db, customer.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if !after.StoreCredit.IsZero() {
		t.Fatalf("store credit after deduct = %s; want 0", after.StoreCredit)
	}
	if !after.WalletBalance.Equal(decimal.RequireFromString("32")) {
		t.Fatalf("wallet after deduct = %s; want 32", after.WalletBalance)
	}

	// Worker failure refunds the exact split.
	if err := workflow.WorkerFail(workerCtx, opId, "dealer site down"); err != nil {
		t.Fatalf("WorkerFail: %v", err)
	}
	restored, err := models.GetCustomer(ctx, db, customer.ID)
	if err != nil {
		t.Fatalf("GetCustomer: %v", err)
	}
	if !restored.StoreCredit.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("store credit after refund = %s; want 50", restored.StoreCredit)
	}
	if !restored.WalletBalance.Equal(decimal.RequireFromString("150")) {
		t.Fatalf("wallet after refund = %s; want 150", restored.WalletBalance)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindRefund); n != 1 {
		t.Fatalf("expected exactly 1 refund entry, got %d", n)
	}
	// Store-credit movements leave their own ledger rows.
	if n := ledgerCount(t, opId, models.LedgerEntryKindDebit); n != 1 {
		t.Fatalf("expected 1 store-credit debit entry, got %d", n)
	}
	if n := ledgerCount(t, opId, models.LedgerEntryKindCredit); n != 1 {
		t.Fatalf("expected 1 store-credit credit entry, got %d", n)
	}
}

func TestLifecycle_ConfirmWindowLapseFailsDespiteHeartbeat(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	user, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")
	if _, err := workflow.SelectPackage(ownerCtx, opId, 0, nil); err != nil {
		t.Fatalf("SelectPackage: %v", err)
	}

	// Window lapsed, but the client is still beating.
	lapsed := time.Now().UTC().Add(-time.Minute)
	alive := time.Now().UTC().Add(time.Hour)
	if err := config.GetDB().Exec(
		"UPDATE operations SET final_confirm_expiry = ?, heartbeat_expiry = ? WHERE id = ?",
		lapsed, alive, opId).Error; err != nil {
		t.Fatalf("lapse confirm window: %v", err)
	}

	if err := workflow.ConfirmFinal(ownerCtx, opId); err != utils.ErrorExpired {
		t.Fatalf("expected ErrorExpired, got %v", err)
	}

	reaper := workflow.NewStaleOperationReaper(config.GetDB(), config.GetLogger())
	if _, err := reaper.SweepOnce(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if got := operationStatus(t, workerCtx, opId); got != models.OperationStatusFailed {
		t.Fatalf("status after sweep = %s; want FAILED", got)
	}
	// Nothing was deducted yet, so nothing may be refunded.
	if n := ledgerCount(t, opId, models.LedgerEntryKindRefund); n != 0 {
		t.Fatalf("expected 0 refund entries, got %d", n)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("200")) {
		t.Fatalf("balance = %s; want 200 untouched", got)
	}
}

func TestLifecycle_HeartbeatReturnsStoredExpiry(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()
	workerCtx := utils.SetIsWorkerInContext(ctx, true)

	_, ownerCtx := newTestReseller(t, ctx, "200")
	opId := driveToAwaitingPackage(t, ownerCtx, workerCtx, "140")

	expiry, ttl, err := workflow.Heartbeat(ownerCtx, opId)
	if err != nil {
		t.Fatalf("Heartbeat: %v", err)
	}
	if ttl <= 0 {
		t.Fatalf("ttl = %s; want positive", ttl)
	}

	op, err := models.FetchOperation(workerCtx, config.GetDB(), opId)
	if err != nil {
		t.Fatalf("FetchOperation: %v", err)
	}
	if op.HeartbeatExpiry == nil {
		t.Fatalf("heartbeat expiry not stored")
	}
	// The returned expiry must be the stored one, give or take the column's
	// sub-second truncation.
	drift := expiry.Sub(*op.HeartbeatExpiry)
	if drift < 0 {
		drift = -drift
	}
	if drift > time.Second {
		t.Fatalf("returned expiry %s drifts %s from stored %s", expiry, drift, op.HeartbeatExpiry)
	}
}

func TestLifecycle_AdjustBalanceMissingOwner(t *testing.T) {
	setupLifecycleEnv(t)
	ctx := context.Background()

	err := workflow.AdjustBalance(ctx, models.ResellerOwner(99999999), decimal.RequireFromString("10"), "deposit")
	if err != utils.ErrorRecordNotFound {
		t.Fatalf("deposit to missing owner: expected ErrorRecordNotFound, got %v", err)
	}

	user, _ := newTestReseller(t, ctx, "50")
	err = workflow.AdjustBalance(ctx, models.ResellerOwner(user.ID), decimal.RequireFromString("-80"), "withdraw")
	if err != utils.ErrorInsufficientBalance {
		t.Fatalf("overdraft withdraw: expected ErrorInsufficientBalance, got %v", err)
	}
	if got := resellerBalance(t, user.ID); !got.Equal(decimal.RequireFromString("50")) {
		t.Fatalf("balance = %s; want 50 untouched", got)
	}
}

func startRedisContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("panel-test-redis-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-p", "127.0.0.1:0:6379",
		"redis:7-alpine",
	)
	if err != nil {
		t.Fatalf("start redis container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "6379/tcp")
	if err != nil {
		t.Fatalf("redis docker port: %v", err)
	}
	deadline := time.Now().Add(60 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "redis-cli", "ping")
		if err == nil {
			return name, port
		}
		time.Sleep(250 * time.Millisecond)
	}
	t.Fatalf("redis did not become ready")
	return "", ""
}

func startMySQLContainer(t *testing.T) (containerName, hostPort string) {
	t.Helper()
	name := fmt.Sprintf("panel-test-mysql-%d", time.Now().UnixNano())
	out, err := dockerRun(
		"run", "-d", "--name", name,
		"-e", "MYSQL_ROOT_PASSWORD=testpw",
		"-e", "MYSQL_DATABASE=panel_test",
		"-p", "127.0.0.1:0:3306",
		"mysql:8.0",
		"--default-authentication-plugin=mysql_native_password",
	)
	if err != nil {
		t.Fatalf("start mysql container: %v\n%s", err, out)
	}
	port, err := dockerHostPort(name, "3306/tcp")
	if err != nil {
		t.Fatalf("mysql docker port: %v", err)
	}
	deadline := time.Now().Add(120 * time.Second)
	for time.Now().Before(deadline) {
		_, err := dockerRun("exec", name, "mysqladmin", "ping", "-h", "127.0.0.1", "-ptestpw", "--silent")
		if err == nil {
			return name, port
		}
		time.Sleep(500 * time.Millisecond)
	}
	t.Fatalf("mysql did not become ready")
	return "", ""
}

func dockerHostPort(container, portProto string) (string, error) {
	out, err := dockerRun("port", container, portProto)
	if err != nil {
		return "", fmt.Errorf("docker port: %w: %s", err, out)
	}
	re := regexp.MustCompile(`:(\d+)`)
	m := re.FindStringSubmatch(out)
	if len(m) != 2 {
		return "", fmt.Errorf("unexpected docker port output: %q", out)
	}
	return m[1], nil
}

func dockerRmForce(container string) error {
	if strings.TrimSpace(container) == "" {
		return nil
	}
	_, err := dockerRun("rm", "-f", container)
	return err
}

func dockerRun(args ...string) (string, error) {
	cmd := exec.Command("docker", args...)
	b, err := cmd.CombinedOutput()
	return string(b), err
}
