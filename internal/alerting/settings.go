// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package alerting

import (
	"context"

	"github.com/juju/errors"

	"github.com/DarrenBenson/homelabcmd/core/alerting"
	"github.com/DarrenBenson/homelabcmd/state"
)

// LoadSettings reads the threshold and notification settings, falling
// back to defaults for any key that has never been set.
func LoadSettings(ctx context.Context, tx *state.Tx) (alerting.Thresholds, alerting.Notifications, error) {
	thresholds := alerting.DefaultThresholds()
	if err := tx.SettingInto(ctx, state.SettingThresholds, &thresholds); err != nil && !errors.Is(err, errors.NotFound) {
		return thresholds, alerting.Notifications{}, errors.Trace(err)
	}
	notifications := alerting.DefaultNotifications()
	if err := tx.SettingInto(ctx, state.SettingNotifications, &notifications); err != nil && !errors.Is(err, errors.NotFound) {
		return thresholds, notifications, errors.Trace(err)
	}
	return thresholds, notifications, nil
}
