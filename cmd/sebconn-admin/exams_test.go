package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/examlink/sebconn/model"
)

func TestParseExamType(t *testing.T) {
	typ, err := parseExamType("vdi")
	require.NoError(t, err)
	assert.Equal(t, model.ExamTypeVDI, typ)

	_, err = parseExamType("remote")
	assert.Error(t, err)
}

func TestParseExamStatus(t *testing.T) {
	st, err := parseExamStatus("up_coming")
	require.NoError(t, err)
	assert.Equal(t, model.ExamUpcoming, st)

	_, err = parseExamStatus("paused")
	assert.Error(t, err)
}

func TestParseIndicatorType(t *testing.T) {
	typ, err := parseIndicatorType("last_ping")
	require.NoError(t, err)
	assert.Equal(t, model.IndicatorLastPing, typ)

	_, err = parseIndicatorType("battery")
	assert.Error(t, err)
}

func TestParseOptionalTime(t *testing.T) {
	tm, err := parseOptionalTime("")
	require.NoError(t, err)
	assert.Nil(t, tm)

	tm, err = parseOptionalTime("2026-06-01T09:00:00Z")
	require.NoError(t, err)
	require.NotNil(t, tm)
	assert.Equal(t, 9, tm.Hour())

	_, err = parseOptionalTime("tomorrow")
	assert.Error(t, err)
}

func TestOrDash(t *testing.T) {
	assert.Equal(t, "-", orDash(false, "x"))
	assert.Equal(t, "x", orDash(true, "x"))
}
