package wiremsg

// MessageType identifies the payload carried by a Message.
type MessageType string

const (
	MsgDeviceRegister     MessageType = "device_register"
	MsgDeviceUnregister   MessageType = "device_unregister"
	MsgHeartbeat          MessageType = "heartbeat"
	MsgDataSync           MessageType = "data_sync"
	MsgDataUpdate         MessageType = "data_update"
	MsgDataDelete         MessageType = "data_delete"
	MsgConflictResolution MessageType = "conflict_resolution"
	MsgWorkspaceSwitch    MessageType = "workspace_switch"
	MsgNotificationSync   MessageType = "notification_sync"
	MsgSettingsSync       MessageType = "settings_sync"
	MsgPluginSync         MessageType = "plugin_sync"
	MsgAuthSync           MessageType = "auth_sync"
	MsgBulkSync           MessageType = "bulk_sync"
	MsgPresenceUpdate     MessageType = "presence_update"
	MsgTypingIndicator    MessageType = "typing_indicator"
	MsgAck                MessageType = "ack"
)

var allTypes = map[MessageType]struct{}{
	MsgDeviceRegister:     {},
	MsgDeviceUnregister:   {},
	MsgHeartbeat:          {},
	MsgDataSync:           {},
	MsgDataUpdate:         {},
	MsgDataDelete:         {},
	MsgConflictResolution: {},
	MsgWorkspaceSwitch:    {},
	MsgNotificationSync:   {},
	MsgSettingsSync:       {},
	MsgPluginSync:         {},
	MsgAuthSync:           {},
	MsgBulkSync:           {},
	MsgPresenceUpdate:     {},
	MsgTypingIndicator:    {},
	MsgAck:                {},
}

// Valid reports whether t is a known message type.
func (t MessageType) Valid() bool {
	_, ok := allTypes[t]
	return ok
}

func (t MessageType) String() string {
	return string(t)
}
