package loader

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/ruslano69/medgen-etl/pkg/medgen"
)

// stubDriver - пустой драйвер для тестов фабрики
type stubDriver struct{ cfg Config }

func (d *stubDriver) Connect(ctx context.Context) error { return nil }
func (d *stubDriver) InitializeStaging(ctx context.Context, datasets []medgen.Dataset) error {
	return nil
}
func (d *stubDriver) BulkLoad(ctx context.Context, table string, data io.Reader) (int64, error) {
	return 0, nil
}
func (d *stubDriver) ExecuteCDC(ctx context.Context, ds medgen.Dataset) (CDCStats, error) {
	return CDCStats{}, nil
}
func (d *stubDriver) ApplyChanges(ctx context.Context, ds medgen.Dataset, mode LoadMode) (ApplyStats, error) {
	return ApplyStats{}, nil
}
func (d *stubDriver) Cleanup(ctx context.Context, datasets []medgen.Dataset) error { return nil }
func (d *stubDriver) LogRunStart(ctx context.Context, run RunStart) (int64, error) { return 0, nil }
func (d *stubDriver) LogRunDetail(ctx context.Context, logID int64, detail RunDetail) error {
	return nil
}
func (d *stubDriver) LogRunFinish(ctx context.Context, logID int64, status RunStatus, errorMessage string) error {
	return nil
}
func (d *stubDriver) Close(ctx context.Context) error { return nil }

func TestFactoryDispatchByScheme(t *testing.T) {
	f := NewFactory()
	f.Register("stub", func(cfg Config) (Driver, error) {
		return &stubDriver{cfg: cfg}, nil
	})

	d, err := f.New(Config{DSN: "stub://host/db"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := d.(*stubDriver); !ok {
		t.Fatalf("wrong driver type: %T", d)
	}
}

func TestFactorySchemeIsCaseInsensitive(t *testing.T) {
	f := NewFactory()
	f.Register("stub", func(cfg Config) (Driver, error) {
		return &stubDriver{cfg: cfg}, nil
	})

	if _, err := f.New(Config{DSN: "STUB://host/db"}); err != nil {
		t.Fatalf("uppercase scheme must resolve: %v", err)
	}
}

func TestFactoryUnknownScheme(t *testing.T) {
	f := NewFactory()

	_, err := f.New(Config{DSN: "oracle://host/db"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("expected ConfigError for unknown scheme, got %v", err)
	}
}

func TestFactoryEmptyAndSchemelessDSN(t *testing.T) {
	f := NewFactory()

	var cfgErr *ConfigError
	if _, err := f.New(Config{DSN: ""}); !errors.As(err, &cfgErr) {
		t.Errorf("empty DSN must be ConfigError, got %v", err)
	}
	if _, err := f.New(Config{DSN: "just-a-path"}); !errors.As(err, &cfgErr) {
		t.Errorf("schemeless DSN must be ConfigError, got %v", err)
	}
}

func TestFactoryRequiredOptions(t *testing.T) {
	f := NewFactory()
	f.Register("warehouse", func(cfg Config) (Driver, error) {
		return &stubDriver{cfg: cfg}, nil
	}, "s3_bucket", "iam_role")

	_, err := f.New(Config{DSN: "warehouse://cluster/db"})
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("missing options must be ConfigError, got %v", err)
	}

	_, err = f.New(Config{
		DSN: "warehouse://cluster/db",
		Options: map[string]string{
			"s3_bucket": "bucket",
			"iam_role":  "arn:aws:iam::1:role/etl",
		},
	})
	if err != nil {
		t.Fatalf("all required options provided, got %v", err)
	}
}

func TestFactorySchemes(t *testing.T) {
	f := NewFactory()
	f.Register("b", func(cfg Config) (Driver, error) { return &stubDriver{}, nil })
	f.Register("a", func(cfg Config) (Driver, error) { return &stubDriver{}, nil })

	schemes := f.Schemes()
	if len(schemes) != 2 || schemes[0] != "a" || schemes[1] != "b" {
		t.Errorf("Schemes() = %v, want sorted [a b]", schemes)
	}
}

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(&LoadError{Table: "t", TimedOut: true, Err: errors.New("canceled")}) {
		t.Error("timed-out LoadError must report as timeout")
	}
	if IsTimeout(&LoadError{Table: "t", Err: errors.New("other")}) {
		t.Error("plain LoadError is not a timeout")
	}
	if IsTimeout(errors.New("misc")) {
		t.Error("unrelated error is not a timeout")
	}
}
