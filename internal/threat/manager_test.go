package threat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coinpoker/endpoint-agent/pkg/signal"
)

func TestProcess_SingleWarnCreatesThreat(t *testing.T) {
	m := New(nil)
	now := time.Now()

	prob := m.Process(signal.Signal{
		Category: signal.CategoryAuto,
		Name:     "Python",
		Status:   signal.StatusWarn,
		Details:  "Python detected",
	}, now)

	assert.Equal(t, 5.0, prob)

	threats := m.GetActiveThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, "python", threats[0].ThreatID)
	assert.Equal(t, 5, threats[0].ThreatScore)
}

func TestProcess_EscalationBySecondSource(t *testing.T) {
	m := New(nil)
	now := time.Now()

	m.Process(signal.Signal{
		Category: signal.CategoryPrograms,
		Name:     "Suspicious Code: openholdem.exe",
		Status:   signal.StatusWarn,
		Details:  "binary flagged",
	}, now)

	prob := m.Process(signal.Signal{
		Category: signal.CategoryAuto,
		Name:     "OpenHoldem",
		Status:   signal.StatusAlert,
		Details:  "known RTA tool window found",
	}, now.Add(1*time.Second))

	assert.Equal(t, 15.0, prob)

	threats := m.GetActiveThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, "openholdem", threats[0].ThreatID)
	assert.Equal(t, signal.StatusCritical, threats[0].Status)
	assert.Equal(t, 15, threats[0].ThreatScore)
	assert.Equal(t, 2, threats[0].ConfidenceScore())
}

func TestProcess_StatusNeverDowngrades(t *testing.T) {
	m := New(nil)
	now := time.Now()

	m.Process(signal.Signal{Category: signal.CategoryPrograms, Name: "foo.exe", Status: signal.StatusCritical, Details: "x"}, now)
	m.Process(signal.Signal{Category: signal.CategoryPrograms, Name: "foo.exe", Status: signal.StatusWarn, Details: "y"}, now.Add(time.Second))

	threats := m.GetActiveThreats()
	require.Len(t, threats, 1)
	assert.Equal(t, signal.StatusCritical, threats[0].Status)
}

func TestExpiry_RemovesThreatAfterCategoryTimeout(t *testing.T) {
	m := New(CategoryTimeouts{signal.CategoryAuto: 95 * time.Second})
	base := time.Now()

	m.Process(signal.Signal{Category: signal.CategoryAuto, Name: "AutoIt", Status: signal.StatusAlert, Details: "x"}, base)
	require.Len(t, m.GetActiveThreats(), 1)

	// Drive cleanup past the 10s gate and past the 95s timeout.
	m.Process(signal.Signal{Category: signal.CategorySystem, Name: "Heartbeat", Status: signal.StatusOK}, base.Add(96*time.Second))

	assert.Empty(t, m.GetActiveThreats())
	assert.Equal(t, 0.0, m.BotProbability())
}

func TestFalsePositivesNeverCreateThreats(t *testing.T) {
	m := New(nil)
	now := time.Now()

	m.Process(signal.Signal{Category: signal.CategoryPrograms, Name: "svchost.exe", Status: signal.StatusWarn, Details: "x"}, now)
	m.Process(signal.Signal{Category: signal.CategorySystem, Name: "Scanner Started", Status: signal.StatusInfo}, now)

	assert.Empty(t, m.GetActiveThreats())
}

func TestDeriveThreatID_Stable(t *testing.T) {
	sig := signal.Signal{Category: signal.CategoryPrograms, Name: "Suspicious Code: weatherzeroservice.exe", Status: signal.StatusWarn}
	id1 := DeriveThreatID(sig)
	id2 := DeriveThreatID(sig)
	assert.Equal(t, id1, id2)
	assert.Equal(t, "weatherzeroservice", id1)
}

func TestSuppress_LowerSeverityRepeatIsWithheld(t *testing.T) {
	m := New(nil)
	now := time.Now()

	critical := signal.Signal{Category: signal.CategoryPrograms, Name: "warbot.exe", Status: signal.StatusCritical, Details: "x"}
	m.Process(critical, now)

	repeat := signal.Signal{Category: signal.CategoryPrograms, Name: "warbot.exe", Status: signal.StatusWarn, Details: "y"}
	assert.True(t, m.Suppress(repeat))
	assert.False(t, m.Suppress(critical), "equal severity is not suppressed")
}

func TestTimeoutsFrom_DefaultsOverridesAndFloor(t *testing.T) {
	shared := map[string]interface{}{
		"heartbeat_timeouts": map[string]interface{}{"AUTO": 95.0, "SCREEN": 1.0},
	}

	timeouts := TimeoutsFrom(shared, 92*time.Second, 1)

	assert.Equal(t, 95*time.Second, timeouts[signal.CategoryAuto])
	assert.Equal(t, 92*time.Second, timeouts[signal.CategoryScreen], "floor is one scan interval")
	assert.Equal(t, 276*time.Second, timeouts[signal.CategoryPrograms], "default is 3x scan interval")

	doubled := TimeoutsFrom(nil, 92*time.Second, 2)
	assert.Equal(t, 552*time.Second, doubled[signal.CategoryPrograms])
}

func TestBotProbability_ClampedAt100(t *testing.T) {
	m := New(nil)
	now := time.Now()
	names := []string{"a.exe", "b.exe", "c.exe", "d.exe", "e.exe", "f.exe", "g.exe"}
	for _, n := range names {
		m.Process(signal.Signal{Category: signal.CategoryPrograms, Name: n, Status: signal.StatusCritical, Details: "x"}, now)
	}
	assert.Equal(t, 100.0, m.BotProbability())
}
