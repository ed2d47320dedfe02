package bluetoothutil

import (
	"fmt"
	"strings"

	"tinygo.org/x/bluetooth"
)

// GATT layout exposed by the radio firmware: one service with a write-only
// to-radio characteristic, a readable from-radio mailbox, and a notify-only
// counter that ticks whenever the mailbox has data.
var (
	radioServiceUUID   = mustParseUUID("6ba1b218-15a8-461f-9fa8-5dcae273eafd")
	radioToRadioUUID   = mustParseUUID("f75c76d2-129e-4dad-a1dd-7866124401e7")
	radioFromRadioUUID = mustParseUUID("2c55e69e-4993-11ed-b878-0242ac120002")
	radioFromNumUUID   = mustParseUUID("ed9da18c-a800-4f66-a670-aa7547e34453")
)

func mustParseUUID(raw string) bluetooth.UUID {
	uuid, err := bluetooth.ParseUUID(strings.TrimSpace(raw))
	if err != nil {
		panic(fmt.Sprintf("invalid bluetooth UUID %q: %v", raw, err))
	}

	return uuid
}

func RadioServiceUUID() bluetooth.UUID {
	return radioServiceUUID
}

// RadioCharacteristicUUIDs returns to-radio, from-radio and from-num in discovery order.
func RadioCharacteristicUUIDs() []bluetooth.UUID {
	return []bluetooth.UUID{radioToRadioUUID, radioFromRadioUUID, radioFromNumUUID}
}
