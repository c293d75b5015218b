// Package postgres is the server-side store: group snapshots, device
// identities, the pending-welcome mailbox, the key-package directory and
// the guild roster.
package postgres

import (
	"context"
	"strconv"
	"time"

	"github.com/guildline/mls/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	jww "github.com/spf13/jwalterweatherman"
)

const schema = `
CREATE TABLE IF NOT EXISTS mls_group_states (
	user_id        BIGINT   NOT NULL,
	device_id      TEXT     NOT NULL,
	guild_id       BIGINT   NOT NULL,
	channel_id     BIGINT   NOT NULL,
	schema_version SMALLINT NOT NULL,
	topology       BYTEA    NOT NULL,
	key_material   BYTEA    NOT NULL,
	updated_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, device_id, guild_id, channel_id)
);

CREATE TABLE IF NOT EXISTS mls_identities (
	user_id   BIGINT NOT NULL,
	device_id TEXT   NOT NULL,
	identity  BYTEA  NOT NULL,
	PRIMARY KEY (user_id, device_id)
);

CREATE TABLE IF NOT EXISTS mls_pending_welcomes (
	id             BIGSERIAL PRIMARY KEY,
	guild_id       BIGINT NOT NULL,
	channel_id     BIGINT NOT NULL,
	target_user_id BIGINT NOT NULL,
	welcome        BYTEA  NOT NULL,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now(),
	consumed_at    TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS mls_pending_welcomes_target
	ON mls_pending_welcomes (guild_id, channel_id, target_user_id)
	WHERE consumed_at IS NULL;

CREATE TABLE IF NOT EXISTS mls_key_packages (
	guild_id    BIGINT NOT NULL,
	user_id     BIGINT NOT NULL,
	key_package BYTEA  NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (guild_id, user_id)
);

CREATE TABLE IF NOT EXISTS guild_members (
	guild_id BIGINT  NOT NULL,
	user_id  BIGINT  NOT NULL,
	banned   BOOLEAN NOT NULL DEFAULT false,
	muted    BOOLEAN NOT NULL DEFAULT false,
	PRIMARY KEY (guild_id, user_id)
);
`

type Store struct {
	pool *pgxpool.Pool
}

func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "connecting to postgres")
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	s.pool.Close()
}

// Migrate creates any missing tables.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return errors.WithMessage(err, "migrating schema")
	}
	jww.INFO.Printf("[MLS] postgres schema up to date")
	return nil
}

///
/// Snapshots
///

func (s *Store) Save(ctx context.Context, key domain.SnapshotKey, snap domain.Snapshot) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mls_group_states
			(user_id, device_id, guild_id, channel_id, schema_version, topology, key_material)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (user_id, device_id, guild_id, channel_id) DO UPDATE SET
			schema_version = EXCLUDED.schema_version,
			topology       = EXCLUDED.topology,
			key_material   = EXCLUDED.key_material,
			updated_at     = now()`,
		int64(key.User), string(key.Device), int64(key.Guild), int64(key.Channel),
		int16(snap.SchemaVersion), snap.Topology, snap.KeyMaterial)
	return errors.WithMessagef(err, "saving snapshot for %s", key)
}

func (s *Store) Load(ctx context.Context, key domain.SnapshotKey) (*domain.Snapshot, error) {
	var (
		version int16
		snap    domain.Snapshot
	)
	err := s.pool.QueryRow(ctx, `
		SELECT schema_version, topology, key_material
		FROM mls_group_states
		WHERE user_id = $1 AND device_id = $2 AND guild_id = $3 AND channel_id = $4`,
		int64(key.User), string(key.Device), int64(key.Guild), int64(key.Channel),
	).Scan(&version, &snap.Topology, &snap.KeyMaterial)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "loading snapshot for %s", key)
	}
	snap.SchemaVersion = uint16(version)
	return &snap, nil
}

func (s *Store) Delete(ctx context.Context, key domain.SnapshotKey) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM mls_group_states
		WHERE user_id = $1 AND device_id = $2 AND guild_id = $3 AND channel_id = $4`,
		int64(key.User), string(key.Device), int64(key.Guild), int64(key.Channel))
	return err
}

func (s *Store) DeleteDevice(ctx context.Context, user domain.UserID, device domain.DeviceID) error {
	_, err := s.pool.Exec(ctx,
		`DELETE FROM mls_group_states WHERE user_id = $1 AND device_id = $2`,
		int64(user), string(device))
	return err
}

///
/// Identities
///

func (s *Store) LoadIdentity(ctx context.Context, user domain.UserID, device domain.DeviceID) ([]byte, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		`SELECT identity FROM mls_identities WHERE user_id = $1 AND device_id = $2`,
		int64(user), string(device)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return data, err
}

func (s *Store) SaveIdentity(ctx context.Context, user domain.UserID, device domain.DeviceID, data []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mls_identities (user_id, device_id, identity) VALUES ($1, $2, $3)
		ON CONFLICT (user_id, device_id) DO UPDATE SET identity = EXCLUDED.identity`,
		int64(user), string(device), data)
	return err
}

///
/// Pending-welcome mailbox
///

func (s *Store) Publish(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID, welcome []byte) (string, error) {
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO mls_pending_welcomes (guild_id, channel_id, target_user_id, welcome)
		VALUES ($1, $2, $3, $4)
		RETURNING id`,
		int64(guild), int64(channel), int64(target), welcome).Scan(&id)
	if err != nil {
		return "", errors.WithMessage(err, "publishing welcome")
	}
	return strconv.FormatInt(id, 10), nil
}

// Claim marks the newest unconsumed welcome for the target consumed in
// the same statement that selects it. SKIP LOCKED keeps concurrent claims
// from returning the same row.
func (s *Store) Claim(ctx context.Context, guild domain.GuildID, channel domain.ChannelID, target domain.UserID) (*domain.ClaimedWelcome, error) {
	var (
		welcome    []byte
		consumedAt time.Time
	)
	err := s.pool.QueryRow(ctx, `
		UPDATE mls_pending_welcomes SET consumed_at = now()
		WHERE id = (
			SELECT id FROM mls_pending_welcomes
			WHERE guild_id = $1 AND channel_id = $2 AND target_user_id = $3
				AND consumed_at IS NULL
			ORDER BY created_at DESC, id DESC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING welcome, consumed_at`,
		int64(guild), int64(channel), int64(target)).Scan(&welcome, &consumedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.WithMessage(err, "claiming welcome")
	}
	return &domain.ClaimedWelcome{Welcome: welcome, ConsumedAt: consumedAt}, nil
}

///
/// Key-package directory
///

func (s *Store) PublishKeyPackage(ctx context.Context, guild domain.GuildID, user domain.UserID, keyPackage []byte) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mls_key_packages (guild_id, user_id, key_package) VALUES ($1, $2, $3)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET
			key_package = EXCLUDED.key_package,
			created_at  = now()`,
		int64(guild), int64(user), keyPackage)
	return err
}

func (s *Store) FetchLatestKeyPackage(ctx context.Context, guild domain.GuildID, user domain.UserID) ([]byte, error) {
	var kp []byte
	err := s.pool.QueryRow(ctx,
		`SELECT key_package FROM mls_key_packages WHERE guild_id = $1 AND user_id = $2`,
		int64(guild), int64(user)).Scan(&kp)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(domain.ErrNotFound, "key package for user %d in guild %d", user, guild)
	}
	return kp, err
}

///
/// Roster
///

func (s *Store) PutMember(ctx context.Context, guild domain.GuildID, m domain.Member) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO guild_members (guild_id, user_id, banned, muted) VALUES ($1, $2, $3, $4)
		ON CONFLICT (guild_id, user_id) DO UPDATE SET banned = EXCLUDED.banned, muted = EXCLUDED.muted`,
		int64(guild), int64(m.UserID), m.Banned, m.Muted)
	return err
}

func (s *Store) ListActiveMembers(ctx context.Context, guild domain.GuildID) ([]domain.Member, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, banned, muted FROM guild_members WHERE guild_id = $1 ORDER BY user_id`,
		int64(guild))
	if err != nil {
		return nil, err
	}

	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.Member, error) {
		var (
			m    domain.Member
			user int64
		)
		err := row.Scan(&user, &m.Banned, &m.Muted)
		m.UserID = domain.UserID(user)
		return m, err
	})
}
