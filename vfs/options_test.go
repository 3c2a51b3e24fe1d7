package vfs

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/paleotronic/atrm8/disk"
)

func TestParseOptionsFilename(t *testing.T) {
	o, err := ParseOptions("game.atr")
	require.Nil(t, err)
	require.Equal(t, "game.atr", o.Filename)
	require.False(t, o.ReadOnly)

	o, err = ParseOptions("filename=work.atr,readonly")
	require.Nil(t, err)
	require.Equal(t, "work.atr", o.Filename)
	require.True(t, o.ReadOnly)

	o, err = ParseOptions("work.atr,ro")
	require.Nil(t, err)
	require.True(t, o.ReadOnly)

	_, err = ParseOptions("upcase")
	require.ErrorIs(t, err, disk.ErrInvalidArg)
}

func TestParseOptionsCreate(t *testing.T) {
	o, err := ParseOptions("new.atr,create,secsize=256,sectors=1440,fstype=sparta,volname=WORK,cluster=4")
	require.Nil(t, err)
	require.True(t, o.Create)
	require.Equal(t, 256, o.SecSize)
	require.Equal(t, 1440, o.Sectors)
	require.Equal(t, "sparta", o.FSType)
	require.Equal(t, "WORK", o.VolName)
	require.Equal(t, 4, o.Cluster)
}

func TestParseOptionsCreateValidation(t *testing.T) {
	_, err := ParseOptions("x.atr,create,secsize=100,sectors=720,fstype=dos2")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,create,secsize=128,sectors=1,fstype=dos2")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,create,secsize=128,sectors=720,fstype=cpm")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,create,secsize=128,sectors=720,fstype=sparta,volname=MUCHTOOLONG")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,create,secsize=128,sectors=720,fstype=litedos,cluster=3")
	require.ErrorIs(t, err, disk.ErrInvalidArg)
}

func TestParseOptionsErrors(t *testing.T) {
	_, err := ParseOptions("x.atr,frobnicate")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,secsize=abc")
	require.ErrorIs(t, err, disk.ErrInvalidArg)

	_, err = ParseOptions("x.atr,debug=-1")
	require.ErrorIs(t, err, disk.ErrInvalidArg)
}

func TestParseOptionsDebug(t *testing.T) {
	o, err := ParseOptions("x.atr,debug")
	require.Nil(t, err)
	require.Equal(t, 1, o.Debug)

	o, err = ParseOptions("x.atr,debug=3")
	require.Nil(t, err)
	require.Equal(t, 3, o.Debug)
}

func TestParseOptionsCase(t *testing.T) {
	o, err := ParseOptions("x.atr,upcase")
	require.Nil(t, err)
	require.True(t, o.Upcase)
	require.False(t, o.Lowcase)

	// lowcase folds both directions
	o, err = ParseOptions("x.atr,lowcase")
	require.Nil(t, err)
	require.True(t, o.Upcase)
	require.True(t, o.Lowcase)

	o, err = ParseOptions("x.atr,nodotfiles,info")
	require.Nil(t, err)
	require.True(t, o.NoDotFiles)
	require.True(t, o.Info)
}
