package sessionlog_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/viant/syncprov/csn"
	"github.com/viant/syncprov/sessionlog"
)

var t0 = time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC)

func stamp(sec, sid int) csn.CSN { return csn.New(t0.Add(time.Duration(sec)*time.Second), 0, sid, 0) }

func entry(uuid string, sec int, kind sessionlog.Kind) sessionlog.Entry {
	return sessionlog.Entry{UUID: uuid, CSN: stamp(sec, 1), SID: 1, Kind: kind}
}

func TestAppendEvictsAndAdvancesWatermark(t *testing.T) {
	log := sessionlog.New(3)
	for i := 1; i <= 4; i++ {
		log.Append(entry(fmt.Sprintf("u%d", i), i, sessionlog.Delete))
	}
	require.Equal(t, 3, log.Len())
	got := log.Entries()
	assert.Equal(t, []string{"u2", "u3", "u4"}, []string{got[0].UUID, got[1].UUID, got[2].UUID})
	assert.Equal(t, stamp(1, 1), log.MinCSN())
}

func TestReplayAtFixedPointIsEmpty(t *testing.T) {
	log := sessionlog.New(10)
	log.Append(entry("u1", 1, sessionlog.Delete))
	log.Append(entry("u2", 2, sessionlog.Modify))
	current := csn.Set{}.With(stamp(2, 1))

	res, err := log.Replay(context.Background(), current, current, nil)
	require.NoError(t, err)
	assert.Empty(t, res.Deletes)
	assert.Empty(t, res.Alive)
	assert.Equal(t, csn.CSN(""), res.DeleteCSN)
}

func TestReplayOlderThanWatermarkIsStale(t *testing.T) {
	log := sessionlog.New(2)
	for i := 1; i <= 5; i++ {
		log.Append(entry(fmt.Sprintf("u%d", i), i, sessionlog.Delete))
	}
	current := csn.Set{}.With(stamp(5, 1))
	for sec := 0; sec < 3; sec++ {
		_, err := log.Replay(context.Background(), csn.Set{}.With(stamp(sec, 1)), current, nil)
		assert.ErrorIs(t, err, sessionlog.ErrStaleCookie, "cookie at %d", sec)
	}
	res, err := log.Replay(context.Background(), csn.Set{}.With(stamp(3, 1)), current, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"u4", "u5"}, res.Deletes)

	_, err = sessionlog.New(3).Replay(context.Background(), current, current, nil)
	assert.ErrorIs(t, err, sessionlog.ErrStaleCookie, "empty log never replays")
}

func TestReplayClassifiesAndDeduplicates(t *testing.T) {
	log := sessionlog.New(20)
	log.Append(entry("seen", 1, sessionlog.Modify))
	log.Append(entry("m1", 2, sessionlog.Modify))
	log.Append(entry("m1", 3, sessionlog.Modify))
	log.Append(entry("gone", 4, sessionlog.Modify))
	log.Append(entry("gone", 5, sessionlog.Delete))
	log.Append(entry("vanished", 6, sessionlog.Modify))
	log.Append(entry("d1", 7, sessionlog.Delete))
	log.Append(entry("future", 9, sessionlog.Delete))

	cookie := csn.Set{}.With(stamp(1, 1))
	current := csn.Set{}.With(stamp(8, 1))
	var asked []string
	alive := func(_ context.Context, uuids []string) (map[string]bool, error) {
		asked = uuids
		return map[string]bool{"m1": true}, nil
	}

	res, err := log.Replay(context.Background(), cookie, current, alive)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1", "vanished"}, asked)
	assert.Equal(t, []string{"gone", "d1", "vanished"}, res.Deletes)
	assert.Equal(t, []string{"m1"}, res.Alive)
	assert.Equal(t, stamp(7, 1), res.DeleteCSN)
}

func TestReplayKeepsUnknownSIDs(t *testing.T) {
	log := sessionlog.New(5)
	log.Append(sessionlog.Entry{UUID: "peer", CSN: stamp(3, 2), SID: 2, Kind: sessionlog.Delete})
	cookie := csn.Set{}.With(stamp(1, 1))
	current := csn.Set{}.With(stamp(1, 1))

	res, err := log.Replay(context.Background(), cookie, current, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"peer"}, res.Deletes)
}

func TestReplayLivenessError(t *testing.T) {
	log := sessionlog.New(5)
	log.Append(entry("m", 2, sessionlog.Modify))
	boom := errors.New("backend down")
	_, err := log.Replay(context.Background(), csn.Set{}.With(stamp(1, 1)), csn.Set{}.With(stamp(2, 1)),
		func(context.Context, []string) (map[string]bool, error) { return nil, boom })
	assert.ErrorIs(t, err, boom)
}

func TestBatches(t *testing.T) {
	uuids := make([]string, 250)
	for i := range uuids {
		uuids[i] = fmt.Sprint(i)
	}
	b := sessionlog.Batches(uuids, sessionlog.IDSetSize)
	require.Len(t, b, 3)
	assert.Len(t, b[0], 100)
	assert.Len(t, b[2], 50)
	assert.Nil(t, sessionlog.Batches(nil, 10))
}
