package scm

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/pluginhost/internal/extension"
	"github.com/mattjoyce/pluginhost/internal/extension/extensiontest"
	"github.com/mattjoyce/pluginhost/internal/log"
)

const pluginID = "github.pr"

func TestMain(m *testing.M) {
	log.Setup("ERROR") // Suppress logs in tests
	os.Exit(m.Run())
}

func setup(t *testing.T) (*Extension, *extensiontest.Manager) {
	t.Helper()
	fake := extensiontest.NewManager().Declare(pluginID, ExtensionID, "1.0")
	return New(fake), fake
}

func TestGetConfiguration(t *testing.T) {
	ext, fake := setup(t)
	fake.RespondBody(RequestSCMConfiguration, 200, `{
		"url": {"display-name": "URL", "part-of-identity": true, "required": true, "display-order": "0"},
		"password": {"display-name": "Password", "secure": true, "required": false, "display-order": "2"},
		"username": {"display-name": "Username", "required": false, "display-order": "1"}
	}`)

	props, err := ext.GetConfiguration(context.Background(), pluginID)
	require.NoError(t, err)
	require.Len(t, props, 3)
	assert.Equal(t, "url", props[0].Key)
	assert.True(t, props[0].PartOfIdentity)
	assert.Equal(t, "username", props[1].Key)
	assert.Equal(t, "password", props[2].Key)
	assert.True(t, props[2].Secure)
	assert.Equal(t, "scm", fake.Last().Extension)
	assert.Equal(t, "1.0", fake.Last().Version)
}

func TestGetView(t *testing.T) {
	ext, fake := setup(t)
	fake.RespondBody(RequestSCMView, 200, `{"displayValue":"GitHub","template":"<div/>"}`)

	view, err := ext.GetView(context.Background(), pluginID)
	require.NoError(t, err)
	assert.Equal(t, View{DisplayValue: "GitHub", Template: "<div/>"}, view)

	fake.RespondBody(RequestSCMView, 200, `{"template":"<div/>"}`)
	_, err = ext.GetView(context.Background(), pluginID)
	assert.Error(t, err)
}

func TestValidateAndCheckConnectionWrapValues(t *testing.T) {
	ext, fake := setup(t)
	fake.RespondBody(RequestValidateSCM, 200, `[]`)
	fake.RespondBody(RequestCheckConnection, 200, `{"status":"failure","messages":["could not reach host"]}`)

	errs, err := ext.Validate(context.Background(), pluginID, map[string]string{"url": "https://example.com/repo.git"})
	require.NoError(t, err)
	assert.Empty(t, errs)
	assert.JSONEq(t, `{"scm-configuration":{"url":{"value":"https://example.com/repo.git"}}}`, fake.Last().Body)

	res, err := ext.CheckConnection(context.Background(), pluginID, map[string]string{"url": "x"})
	require.NoError(t, err)
	assert.False(t, res.Successful())
	assert.Equal(t, []string{"could not reach host"}, res.Messages)
}

func TestNoSettingsChangeNotification(t *testing.T) {
	ext, fake := setup(t)
	require.NoError(t, ext.NotifyPluginSettingsChange(context.Background(), pluginID, map[string]string{"k": "v"}))
	assert.Empty(t, fake.Requests())
}

func TestFetcher(t *testing.T) {
	ext, fake := setup(t)
	fake.RespondBody(RequestSCMConfiguration, 200, `{"url":{"required":true}}`)
	fake.RespondBody(RequestSCMView, 200, `{"displayValue":"Git","template":"<div/>"}`)
	fake.RespondBody(extension.RequestGetPluginSettingsConfiguration, 500, "")

	m, err := ext.Fetcher().Fetch(context.Background(), pluginID)
	require.NoError(t, err)
	assert.Equal(t, "1.0", m.Version)
	assert.Nil(t, m.Icon)
	assert.JSONEq(t, `{"displayValue":"Git","template":"<div/>"}`, string(m.Extra["scm_view"]))
	assert.Contains(t, string(m.Extra["scm_configuration"]), `"part_of_identity":false`)
}
