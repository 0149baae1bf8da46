package repository_test

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"bulk-order-service/models"
	"bulk-order-service/repository"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func setupMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: db}), &gorm.Config{})
	require.NoError(t, err)
	return gormDB, mock
}

func TestCreate_Success(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	now := time.Now()
	op := &models.Operation{
		ID:               uuid.New(),
		UserID:           "user-1",
		AccountID:        "acct-1",
		Items:            datatypes.JSON(`[{"row":1,"sku":"A1","quantity":5}]`),
		TotalItems:       1,
		OrderValue:       decimal.RequireFromString("50.00"),
		Status:           models.OperationProcessing,
		CreatedAt:        now,
		RollbackDeadline: now.Add(24 * time.Hour),
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "bulk_operations"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.Create(context.Background(), op)
	assert.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestFindByID_NotFound(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	id := uuid.New()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bulk_operations"`)).
		WillReturnRows(sqlmock.NewRows([]string{}))

	op, err := repo.FindByID(context.Background(), id)
	assert.True(t, errors.Is(err, repository.ErrOperationNotFound))
	assert.Nil(t, op)
}

func TestFindByID_Success(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	id := uuid.New()
	now := time.Now()
	rows := sqlmock.NewRows([]string{"id", "user_id", "account_id", "status", "total_items", "order_value", "created_at", "rollback_deadline"}).
		AddRow(id.String(), "user-1", "acct-1", models.OperationPartial, 2, "110.00", now, now.Add(time.Hour))

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bulk_operations"`)).
		WillReturnRows(rows)

	op, err := repo.FindByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, models.OperationPartial, op.Status)
	assert.True(t, op.OrderValue.Equal(decimal.RequireFromString("110")))
}

func TestAppendProgress_AssignsID(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	entry := &models.ProgressEntry{
		OperationID: uuid.New(),
		RowIndex:    1,
		SKU:         "A1",
		Quantity:    5,
		Success:     true,
		Outcome:     string(models.OutcomeAdded),
		Reference:   "ref-1",
	}

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`INSERT INTO "bulk_operation_progress"`)).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	err := repo.AppendProgress(context.Background(), entry)
	assert.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, entry.ID)
}

func TestClaimRollback_Won(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "bulk_operations" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	ok, err := repo.ClaimRollback(context.Background(), uuid.New(), "user-1", "wrong file", time.Now())
	assert.NoError(t, err)
	assert.True(t, ok)
}

func TestClaimRollback_Lost(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`rollback_started_at IS NULL`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.ClaimRollback(context.Background(), uuid.New(), "user-1", "wrong file", time.Now())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestMarkReversed_AlreadyReversed(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "bulk_operation_progress" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.MarkReversed(context.Background(), uuid.New(), time.Now())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFinalizeStatus_NotProcessing(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "bulk_operations" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	ok, err := repo.FinalizeStatus(context.Background(), uuid.New(), models.OperationCompleted, time.Now())
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestFinishRollback_NoClaim(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`UPDATE "bulk_operations" SET`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()

	err := repo.FinishRollback(context.Background(), uuid.New(), models.OperationRolledBack, time.Now())
	assert.True(t, errors.Is(err, repository.ErrOperationNotFound))
}

func TestListByUser_Paginates(t *testing.T) {
	gormDB, mock := setupMockDB(t)
	repo := repository.NewGormOperationRepository(gormDB)

	now := time.Now()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT count(*) FROM "bulk_operations"`)).
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "bulk_operations"`)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "user_id", "status", "created_at"}).
			AddRow(uuid.NewString(), "user-1", models.OperationCompleted, now))

	ops, total, err := repo.ListByUser(context.Background(), "user-1", 2, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), total)
	assert.Len(t, ops, 1)
}
