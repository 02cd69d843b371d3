package mirror

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNotifyTriggerSQL(t *testing.T) {
	statements, err := NotifyTriggerSQL("mirror_changes", "public.demanda", "id")
	require.NoError(t, err)
	require.Len(t, statements, 2)

	fn := statements[0]
	assert.Contains(t, fn, "CREATE OR REPLACE FUNCTION notify_demanda_change()")
	assert.Contains(t, fn, "pg_notify(")
	assert.Contains(t, fn, "'mirror_changes'")
	assert.Contains(t, fn, "'event_type', TG_OP")

	trg := statements[1]
	assert.Contains(t, trg, "CREATE TRIGGER trg_demanda_notify")
	assert.Contains(t, trg, "AFTER INSERT OR UPDATE OR DELETE ON public.demanda")
	assert.Contains(t, trg, "EXECUTE FUNCTION notify_demanda_change()")
}

func TestNotifyTriggerSQL_UnqualifiedTableDefaultsToPublic(t *testing.T) {
	statements, err := NotifyTriggerSQL("ch", "fiscalizado", "id")
	require.NoError(t, err)
	assert.True(t, strings.Contains(statements[1], "ON public.fiscalizado"))
}

func TestNotifyTriggerSQL_RequiresArguments(t *testing.T) {
	_, err := NotifyTriggerSQL("", "public.demanda", "id")
	assert.Error(t, err)
	_, err = NotifyTriggerSQL("ch", "", "id")
	assert.Error(t, err)
	_, err = NotifyTriggerSQL("ch", "public.demanda", "")
	assert.Error(t, err)
}
