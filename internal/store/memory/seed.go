package memory

import (
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"khatpos/internal/domain"
	"khatpos/internal/money"
)

// SeedProducts is the demo catalog used by the in-memory authority and by tests.
func SeedProducts() []domain.Product {
	now := time.Now().UTC()
	vat := money.MustParse("0.05")
	rows := []struct {
		id, barcode, name, alt, sku, price, cost, stock string
		unit                                            domain.Unit
	}{
		{"p-0001", "00001", "Tomatoes", "طماطم", "VEG-TOM", "0.800", "0.550", "250", domain.UnitWeighed},
		{"p-0002", "00002", "Bananas", "موز", "FRU-BAN", "0.650", "0.400", "180", domain.UnitWeighed},
		{"p-0003", "6291003000012", "Fresh Milk 1L", "حليب", "DAI-MLK-1L", "0.600", "0.450", "48", domain.UnitPiece},
		{"p-0004", "6291100000014", "Basmati Rice 5kg", "", "GRO-RIC-5K", "2.750", "2.100", "30", domain.UnitPiece},
		{"p-0005", "6281000000016", "Arabic Bread", "خبز", "BAK-ARB", "0.300", "0.200", "60", domain.UnitPiece},
		{"p-0006", "6292000000018", "Mineral Water 1.5L", "ماء", "BEV-WAT", "0.150", "0.090", "200", domain.UnitPiece},
		{"p-0007", "6293000000010", "Dates Khalas 1kg", "تمر", "GRO-DAT", "1.900", "1.400", "25", domain.UnitPiece},
		{"p-0008", "6294000000012", "Karak Tea Bags", "شاي", "BEV-TEA", "0.450", "0.300", "100", domain.UnitPiece},
		{"p-0009", "6295000000014", "Cooking Oil 1.8L", "زيت", "GRO-OIL", "1.200", "1.350", "40", domain.UnitPiece},
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, domain.Product{
			ID:        r.id,
			Barcode:   r.barcode,
			Name:      r.name,
			AltName:   r.alt,
			SKU:       r.sku,
			UnitPrice: money.MustParse(r.price),
			UnitCost:  money.MustParse(r.cost),
			StockQty:  money.MustParse(r.stock),
			VATRate:   vat,
			Unit:      r.unit,
			UpdatedAt: now,
		})
	}
	return products
}

func SeedCustomers() []domain.Customer {
	now := time.Now().UTC()
	return []domain.Customer{
		{ID: "cus-0001", Phone: "96891234567", Name: "Khalid Al Harthy", UpdatedAt: now},
		{ID: "cus-0002", Phone: "96899887766", Name: "Maryam Al Balushi", UpdatedAt: now},
		{ID: "walk-in", Phone: "", Name: "Walk-in", WalkIn: true, UpdatedAt: now},
	}
}

// seedUsers builds the initial accounts for dev/demo mode. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_TERMINAL_PASSWORD, with dev defaults and a warning
// when unset. The postgres repository never uses these.
func seedUsers() map[string]domain.UserAccount {
	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	terminalPwd := envOr("SEED_TERMINAL_PASSWORD", "terminal123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_TERMINAL_PASSWORD") == "" {
		logrus.WithField("component", "memory-store").Warn("using default dev credentials; set SEED_ADMIN_PASSWORD and SEED_TERMINAL_PASSWORD to override")
	}

	now := time.Now().UTC()
	users := map[string]domain.UserAccount{}
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"terminal-01", terminalPwd, domain.RoleTerminal},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.DefaultCost)
		if err != nil {
			logrus.WithField("component", "memory-store").Fatalf("failed to hash seed password for %s: %v", u.username, err)
		}
		users[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			Active:    true,
			CreatedAt: now,
		}
	}
	return users
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
