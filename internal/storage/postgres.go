package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/koopa0/system-design/14-phrase-of-the-day/internal/phrase"
	apperrors "github.com/koopa0/system-design/14-phrase-of-the-day/pkg/errors"
)

// errStateMissing 輪替狀態列不存在（啟動時未呼叫 EnsureState）
var errStateMissing = errors.New("rotation state not initialized")

// DB pgxpool.Pool 與 pgx.Conn 共同的方法
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Ping(ctx context.Context) error
}

// Postgres PostgreSQL 存儲
//
// 資料表：
//   - phrases：短句，輪替順序為 ORDER BY created_at, seq
//   - app_config：輪替狀態單例（id 固定為 1）
//   - daily_request_history：每日請求數歸檔
type Postgres struct {
	db     DB
	logger *slog.Logger
}

// NewPostgres 創建 PostgreSQL 存儲
func NewPostgres(db DB, logger *slog.Logger) *Postgres {
	if logger == nil {
		logger = slog.Default()
	}
	return &Postgres{db: db, logger: logger}
}

const (
	ensureStateSQL = `
INSERT INTO app_config (id, current_phrase_index, daily_request_count, last_reset_date)
VALUES (1, 0, 0, $1)
ON CONFLICT (id) DO NOTHING`

	lockStateSQL = `
SELECT current_phrase_index, daily_request_count, last_reset_date
FROM app_config
WHERE id = 1
FOR UPDATE`

	selectStateSQL = `
SELECT current_phrase_index, daily_request_count, last_reset_date
FROM app_config
WHERE id = 1`

	saveStateSQL = `
UPDATE app_config
SET current_phrase_index = $1,
    daily_request_count = $2,
    last_reset_date = $3,
    updated_at = NOW()
WHERE id = 1`

	countPhrasesSQL = `SELECT COUNT(*) FROM phrases`

	phraseAtSQL = `
SELECT id, content, created_at
FROM phrases
ORDER BY created_at, seq
OFFSET $1
LIMIT 1`

	listPhrasesSQL = `
SELECT id, content, created_at
FROM phrases
ORDER BY created_at, seq`

	statsSQL = `
SELECT (SELECT COUNT(*) FROM phrases), current_phrase_index, daily_request_count
FROM app_config
WHERE id = 1`

	archiveDaySQL = `
INSERT INTO daily_request_history (day, request_count, archived_at)
VALUES ($1, $2, NOW())
ON CONFLICT (day)
DO UPDATE SET request_count = EXCLUDED.request_count, archived_at = NOW()`

	historySQL = `
SELECT day, request_count, archived_at
FROM daily_request_history
ORDER BY day DESC
LIMIT $1`
)

// Ping 就緒檢查
func (p *Postgres) Ping(ctx context.Context) error {
	if err := p.db.Ping(ctx); err != nil {
		return unavailable(apperrors.ErrDatabaseUnavailable, err)
	}
	return nil
}

// wrapErr 加上操作名稱；連線層錯誤另外標記為資料庫不可用
func wrapErr(op string, err error) error {
	wrapped := fmt.Errorf("%s: %w", op, err)

	var connectErr *pgconn.ConnectError
	var netErr net.Error
	if errors.As(err, &connectErr) || errors.As(err, &netErr) || pgconn.Timeout(err) {
		return unavailable(apperrors.ErrDatabaseUnavailable, wrapped)
	}
	return wrapped
}

// unavailable 以哨兵錯誤的錯誤碼與訊息包裝依賴服務的錯誤
func unavailable(sentinel *apperrors.AppError, err error) error {
	return apperrors.Wrap(err, sentinel.Code, sentinel.Message)
}

// EnsureState 建立輪替狀態單例（冪等）
func (p *Postgres) EnsureState(ctx context.Context, today time.Time) error {
	if _, err := p.db.Exec(ctx, ensureStateSQL, today); err != nil {
		return wrapErr("ensure app_config", err)
	}
	return nil
}

// Rotate 在交易中執行 fn
//
// LoadState 以 FOR UPDATE 鎖住 app_config 單例列，
// 併發的 Rotate 與 DeleteAll 會在此排隊，直到交易提交或回滾。
func (p *Postgres) Rotate(ctx context.Context, fn func(ctx context.Context, tx phrase.StateTx) error) error {
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		return fn(ctx, postgresTx{tx: tx})
	})
	var appErr *apperrors.AppError
	if err != nil && !errors.As(err, &appErr) {
		// 開始或提交交易失敗；fn 回傳的領域錯誤原樣傳回
		return wrapErr("rotate", err)
	}
	return err
}

// postgresTx 交易內的操作
type postgresTx struct {
	tx pgx.Tx
}

func (t postgresTx) LoadState(ctx context.Context) (phrase.RotationState, error) {
	return scanState(t.tx.QueryRow(ctx, lockStateSQL))
}

func (t postgresTx) SaveState(ctx context.Context, state phrase.RotationState) error {
	tag, err := t.tx.Exec(ctx, saveStateSQL, state.CurrentIndex, state.DailyRequestCount, state.LastResetDate)
	if err != nil {
		return wrapErr("update app_config", err)
	}
	if tag.RowsAffected() == 0 {
		return errStateMissing
	}
	return nil
}

func (t postgresTx) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := t.tx.QueryRow(ctx, countPhrasesSQL).Scan(&n); err != nil {
		return 0, wrapErr("count phrases", err)
	}
	return n, nil
}

func (t postgresTx) PhraseAt(ctx context.Context, index int64) (phrase.Phrase, bool, error) {
	var ph phrase.Phrase
	err := t.tx.QueryRow(ctx, phraseAtSQL, index).Scan(&ph.ID, &ph.Content, &ph.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return phrase.Phrase{}, false, nil
	}
	if err != nil {
		return phrase.Phrase{}, false, wrapErr(fmt.Sprintf("select phrase at %d", index), err)
	}
	return ph, true, nil
}

func scanState(row pgx.Row) (phrase.RotationState, error) {
	var state phrase.RotationState
	err := row.Scan(&state.CurrentIndex, &state.DailyRequestCount, &state.LastResetDate)
	if errors.Is(err, pgx.ErrNoRows) {
		return phrase.RotationState{}, errStateMissing
	}
	if err != nil {
		return phrase.RotationState{}, wrapErr("select app_config", err)
	}
	return state, nil
}

// List 依輪替順序列出短句
func (p *Postgres) List(ctx context.Context) ([]phrase.Phrase, error) {
	rows, err := p.db.Query(ctx, listPhrasesSQL)
	if err != nil {
		p.logger.Error("postgres list phrases failed", "error", err)
		return nil, wrapErr("list phrases", err)
	}

	phrases, err := pgx.CollectRows(rows, pgx.RowToStructByPos[phrase.Phrase])
	if err != nil {
		return nil, wrapErr("scan phrases", err)
	}
	return phrases, nil
}

// Insert 以 COPY 在單一交易中寫入整批短句
//
// seq 為 IDENTITY 欄位，COPY 依列順序配號，同一批次的 created_at 相同時
// 輪替順序即為輸入順序。
func (p *Postgres) Insert(ctx context.Context, phrases []phrase.Phrase) error {
	if len(phrases) == 0 {
		return nil
	}

	rows := make([][]any, len(phrases))
	for i, ph := range phrases {
		rows[i] = []any{ph.ID, ph.Content, ph.CreatedAt}
	}

	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		n, err := tx.CopyFrom(ctx,
			pgx.Identifier{"phrases"},
			[]string{"id", "content", "created_at"},
			pgx.CopyFromRows(rows),
		)
		if err != nil {
			return err
		}
		if n != int64(len(phrases)) {
			return fmt.Errorf("copied %d of %d phrases", n, len(phrases))
		}
		return nil
	})
	if err != nil {
		p.logger.Error("postgres insert phrases failed", "count", len(phrases), "error", err)
		return wrapErr("insert phrases", err)
	}
	return nil
}

// DeleteAll 刪除全部短句並在同一交易中把輪替指標歸零
func (p *Postgres) DeleteAll(ctx context.Context) (int64, error) {
	var deleted int64
	err := pgx.BeginFunc(ctx, p.db, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM phrases`)
		if err != nil {
			return err
		}
		deleted = tag.RowsAffected()

		_, err = tx.Exec(ctx, `UPDATE app_config SET current_phrase_index = 0, updated_at = NOW() WHERE id = 1`)
		return err
	})
	if err != nil {
		p.logger.Error("postgres delete all phrases failed", "error", err)
		return 0, wrapErr("delete all phrases", err)
	}
	return deleted, nil
}

// Delete 刪除單筆短句
func (p *Postgres) Delete(ctx context.Context, id string) (bool, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM phrases WHERE id = $1`, id)
	if err != nil {
		p.logger.Error("postgres delete phrase failed", "id", id, "error", err)
		return false, wrapErr("delete phrase", err)
	}
	return tag.RowsAffected() > 0, nil
}

// Stats 統計資訊
func (p *Postgres) Stats(ctx context.Context) (phrase.Stats, error) {
	var stats phrase.Stats
	err := p.db.QueryRow(ctx, statsSQL).Scan(&stats.TotalPhrases, &stats.CurrentIndex, &stats.DailyRequests)
	if errors.Is(err, pgx.ErrNoRows) {
		return phrase.Stats{}, errStateMissing
	}
	if err != nil {
		return phrase.Stats{}, wrapErr("select stats", err)
	}
	return stats, nil
}

// State 讀取輪替狀態（不加鎖）
func (p *Postgres) State(ctx context.Context) (phrase.RotationState, error) {
	return scanState(p.db.QueryRow(ctx, selectStateSQL))
}

// ArchiveDay 寫入某天的請求數（同一天重複寫入會覆寫）
func (p *Postgres) ArchiveDay(ctx context.Context, day time.Time, count int64) error {
	if _, err := p.db.Exec(ctx, archiveDaySQL, day, count); err != nil {
		p.logger.Error("postgres archive day failed", "day", day.Format(time.DateOnly), "error", err)
		return wrapErr("archive day", err)
	}
	return nil
}

// History 歸檔紀錄
func (p *Postgres) History(ctx context.Context, limit int) ([]phrase.DailyRecord, error) {
	rows, err := p.db.Query(ctx, historySQL, limit)
	if err != nil {
		return nil, wrapErr("select history", err)
	}

	records, err := pgx.CollectRows(rows, pgx.RowToStructByPos[phrase.DailyRecord])
	if err != nil {
		return nil, wrapErr("scan history", err)
	}
	return records, nil
}

// PruneHistory 刪除舊的歸檔紀錄
func (p *Postgres) PruneHistory(ctx context.Context, before time.Time) (int64, error) {
	tag, err := p.db.Exec(ctx, `DELETE FROM daily_request_history WHERE day < $1`, before)
	if err != nil {
		return 0, wrapErr("prune history", err)
	}
	return tag.RowsAffected(), nil
}
