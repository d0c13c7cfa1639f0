package app

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"casedesk/internal/config"
	"casedesk/internal/engine"
)

func TestOpen_sqliteWithoutSinks(t *testing.T) {
	ctx := context.Background()
	rt, err := Open(ctx, config.Default(), Options{Workspace: t.TempDir(), Migrate: true})
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.Engine.Publisher)
	assert.Nil(t, rt.Engine.StatsCache)
	assert.NotNil(t, rt.Engine.Inbox)

	u, err := rt.Engine.CreateUser(ctx, engine.CreateUserOptions{Name: "Ana", Roles: []string{engine.RoleStaff}})
	require.NoError(t, err)
	who, err := rt.Engine.WhoAmI(ctx, u.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{engine.RoleStaff}, who.Roles)
	assert.Contains(t, who.Permissions, "derivation.write")
}

func TestOpen_attachesRedis(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := config.Default()
	cfg.Redis.Addr = mr.Addr()

	ctx := context.Background()
	rt, err := Open(ctx, cfg, Options{Workspace: t.TempDir(), Migrate: true})
	require.NoError(t, err)

	require.NotNil(t, rt.Engine.Publisher)
	require.NotNil(t, rt.Engine.StatsCache)

	_, err = rt.Engine.Stats(ctx, "nobody")
	require.NoError(t, err)
	assert.True(t, mr.Exists("casedesk:stats:nobody"))
	require.NoError(t, rt.Close())
}

func TestOpen_rejectsUnknownDriver(t *testing.T) {
	cfg := config.Default()
	cfg.Database.Driver = "mysql"
	_, err := Open(context.Background(), cfg, Options{Workspace: t.TempDir()})
	require.Error(t, err)
}
