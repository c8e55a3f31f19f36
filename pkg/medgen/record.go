package medgen

// Record - одна строка датасета, готовая к кодированию в bulk-load поток.
//
// Values идут строго в порядке Dataset.Columns; nil означает SQL NULL.
// Raw хранит исходную строку файла байт-в-байт (без завершающего перевода
// строки) - она попадает в колонку raw_record, если включен захват.
type Record struct {
	Values []*string
	Raw    string
}

// RecordReader - ленивый источник записей одного датасета.
// Next возвращает io.EOF после последней записи.
type RecordReader interface {
	Next() (Record, error)
}

// Str - указатель на строку; пустая строка трактуется как NULL.
// Парсеры MedGen используют это правило для всех опциональных полей RRF.
func Str(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
