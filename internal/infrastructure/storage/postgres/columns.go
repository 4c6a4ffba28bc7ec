package postgres

import (
	"reflect"
	"slices"
	"sync"
)

// rowLayout maps the "db" tags of a row struct to field index paths. Embedded
// structs such as KeyColumns are flattened into the parent.
type rowLayout struct {
	columns []string
	paths   [][]int
}

var layouts sync.Map // reflect.Type -> *rowLayout

func layoutOf(t reflect.Type) *rowLayout {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if cached, ok := layouts.Load(t); ok {
		return cached.(*rowLayout)
	}
	l := &rowLayout{}
	if t.Kind() == reflect.Struct {
		l.walk(t, nil)
	}
	actual, _ := layouts.LoadOrStore(t, l)
	return actual.(*rowLayout)
}

func (l *rowLayout) walk(t reflect.Type, prefix []int) {
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		path := append(slices.Clip(prefix), i)
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			l.walk(f.Type, path)
			continue
		}
		tag := f.Tag.Get("db")
		if tag == "" || tag == "-" {
			continue
		}
		l.columns = append(l.columns, tag)
		l.paths = append(l.paths, path)
	}
}

// columnsOf lists the columns of row type T in field order. The repositories use
// it for SELECT lists, so the order matches pgxscan's struct mapping.
func columnsOf[T any]() []string {
	return slices.Clone(layoutOf(reflect.TypeFor[T]()).columns)
}

// rowValues returns column -> value for a row struct, ready for squirrel SetMap.
func rowValues(row any) map[string]any {
	rv := reflect.Indirect(reflect.ValueOf(row))
	if rv.Kind() != reflect.Struct {
		return nil
	}
	l := layoutOf(rv.Type())
	values := make(map[string]any, len(l.columns))
	for i, col := range l.columns {
		values[col] = rv.FieldByIndex(l.paths[i]).Interface()
	}
	return values
}
