package ui

import (
	"errors"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gpuminer/internal/api"
	"gpuminer/internal/farm"
)

type fakeClient struct {
	stats    *farm.Stats
	err      error
	pauses   int
	resumes  int
	pauseErr error
}

func (c *fakeClient) GetStats() (*farm.Stats, error) {
	if c.err != nil {
		return nil, c.err
	}
	return c.stats, nil
}

func (c *fakeClient) GetHealth() (*api.HealthResponse, error) {
	return &api.HealthResponse{Status: "ok"}, nil
}

func (c *fakeClient) Pause() error {
	c.pauses++
	return c.pauseErr
}

func (c *fakeClient) Resume() error {
	c.resumes++
	return nil
}

func sampleStats() *farm.Stats {
	return &farm.Stats{
		ID:        "farm-1",
		Method:    "cuda",
		Uptime:    "1m0s",
		Hashrate:  3_000_000,
		Solutions: 2,
		Miners: []farm.MinerStats{
			{Index: 0, Name: "cuda", State: "mining", Hashes: 1000, Hashrate: 1_500_000, Health: farm.Health{Healthy: true}},
			{Index: 1, Name: "cuda", State: "mining", Hashes: 1000, Hashrate: 1_500_000, Health: farm.Health{Error: "device lost"}},
		},
	}
}

func key(r rune) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune{r}}
}

func TestFetchPopulatesTable(t *testing.T) {
	c := &fakeClient{stats: sampleStats()}
	m := NewModel(c, time.Second)

	msg := m.fetch()()
	updated, cmd := m.Update(msg)
	assert.Nil(t, cmd)
	m = updated.(Model)

	require.NotNil(t, m.Stats)
	assert.Equal(t, "connected", m.Status)
	require.Len(t, m.Table.Rows(), 2)
	assert.Equal(t, "1.50 MH/s", m.Table.Rows()[0][3])
	assert.Equal(t, "device lost", m.Table.Rows()[1][5])

	view := m.View()
	assert.Contains(t, view, "farm-1")
	assert.Contains(t, view, "MINING")
	assert.Contains(t, view, "3.00 MH/s")
}

func TestFetchErrorShowsDisconnected(t *testing.T) {
	c := &fakeClient{err: errors.New("connection refused")}
	m := NewModel(c, time.Second)

	updated, _ := m.Update(m.fetch()())
	m = updated.(Model)

	assert.Equal(t, "disconnected", m.Status)
	assert.Contains(t, m.View(), "connection refused")
}

func TestPauseAndResumeKeys(t *testing.T) {
	c := &fakeClient{stats: sampleStats()}
	m := NewModel(c, time.Second)

	updated, cmd := m.Update(key('p'))
	m = updated.(Model)
	require.NotNil(t, cmd)
	updated, next := m.Update(cmd())
	m = updated.(Model)
	assert.Equal(t, 1, c.pauses)
	assert.Equal(t, "pause sent", m.Status)
	assert.NotNil(t, next, "a successful action refreshes stats")

	updated, cmd = m.Update(key('r'))
	m = updated.(Model)
	require.NotNil(t, cmd)
	updated, _ = m.Update(cmd())
	m = updated.(Model)
	assert.Equal(t, 1, c.resumes)
	assert.Equal(t, "resume sent", m.Status)
}

func TestPauseFailure(t *testing.T) {
	c := &fakeClient{stats: sampleStats(), pauseErr: errors.New("farm stopped")}
	m := NewModel(c, time.Second)

	_, cmd := m.Update(key('p'))
	updated, next := m.Update(cmd())
	m = updated.(Model)

	assert.Nil(t, next)
	assert.Equal(t, "pause failed", m.Status)
	assert.EqualError(t, m.Err, "farm stopped")
}

func TestQuitKey(t *testing.T) {
	m := NewModel(&fakeClient{}, time.Second)
	_, cmd := m.Update(key('q'))
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}

func TestViewTruncatesToWidth(t *testing.T) {
	c := &fakeClient{stats: sampleStats()}
	m := NewModel(c, time.Second)
	updated, _ := m.Update(tea.WindowSizeMsg{Width: 20, Height: 20})
	m = updated.(Model)

	line := m.fit(headerStyle.Render("a very long monitor title that does not fit"))
	assert.Contains(t, line, "…")
}

func TestFormatHashrate(t *testing.T) {
	assert.Equal(t, "999.00 H/s", FormatHashrate(999))
	assert.Equal(t, "1.00 kH/s", FormatHashrate(1000))
	assert.Equal(t, "2.50 GH/s", FormatHashrate(2.5e9))
}
