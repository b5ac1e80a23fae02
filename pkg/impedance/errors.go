package impedance

import "errors"

var (
	// ErrHardwareNotFound возвращается, если микросхема или канал отсутствуют при инициализации.
	ErrHardwareNotFound = errors.New("устройство или канал не найдены")

	// ErrInvalidParameter возвращается для значений вне допустимой области.
	// Состояние оборудования при этом не изменяется.
	ErrInvalidParameter = errors.New("некорректный параметр")

	// ErrClampedInput сообщается наблюдателю как предупреждение, когда число точек
	// развертки было ограничено. Вызывающему не возвращается.
	ErrClampedInput = errors.New("число точек ограничено допустимым диапазоном")

	// ErrUncalibratedRange возвращается измерением на диапазоне без таблицы калибровки.
	ErrUncalibratedRange = errors.New("диапазон не откалиброван")

	// ErrAcquisitionTimeout возвращается, если заполнение буфера не завершилось вовремя.
	ErrAcquisitionTimeout = errors.New("превышено время ожидания захвата данных")

	// ErrBus оборачивает ошибки ввода-вывода регистров и мультиплексора.
	ErrBus = errors.New("ошибка шины")

	ErrInvalidMuxState = errors.New("в полубайте мультиплексора установлено более одного бита")
	ErrZeroMagnitude   = errors.New("нулевая амплитуда отсчета")
)
