package model

// EventKind описывает вид входящего события чата.
type EventKind string

const (
	EventCommand EventKind = "command"
	EventButton  EventKind = "button"
	EventText    EventKind = "text"
)

// Event описывает нормализованное входящее событие транспорта.
type Event struct {
	ChatID     int64
	Kind       EventKind
	Payload    string
	CallbackID string
	MessageID  int
	FirstName  string
}

// Button описывает кнопку inline-клавиатуры.
type Button struct {
	Text string
	Data string
}

// Keyboard хранит строки кнопок inline-клавиатуры.
type Keyboard [][]Button

// Row собирает строку клавиатуры.
func Row(buttons ...Button) []Button {
	return buttons
}
