package schedule

import (
	"context"
	"errors"
	"sort"

	"github.com/carepath/medtrack/internal/store"
)

type medicationRepo struct {
	st store.Store
}

func (r medicationRepo) get(ctx context.Context, id string) (Medication, error) {
	rows, err := r.st.Find(ctx, store.TableMedications, store.Filter{"id": id})
	if err != nil {
		return Medication{}, storeErr("find medication", "medication", id, err)
	}
	if len(rows) == 0 {
		return Medication{}, &NotFoundError{Kind: "medication", ID: id}
	}
	return medicationFromRow(rows[0])
}

func (r medicationRepo) list(ctx context.Context, filter store.Filter) ([]Medication, error) {
	rows, err := r.st.Find(ctx, store.TableMedications, filter)
	if err != nil {
		return nil, storeErr("find medications", "medication", "", err)
	}
	out := make([]Medication, 0, len(rows))
	for _, row := range rows {
		m, err := medicationFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (r medicationRepo) insert(ctx context.Context, m Medication) (Medication, error) {
	row := m.toRow()
	delete(row, "id")
	saved, err := r.st.Insert(ctx, store.TableMedications, row)
	if err != nil {
		return Medication{}, storeErr("insert medication", "medication", "", err)
	}
	return medicationFromRow(saved)
}

func (r medicationRepo) update(ctx context.Context, m Medication) (Medication, error) {
	patch := m.toRow()
	delete(patch, "id")
	delete(patch, "created_at")
	saved, err := r.st.Update(ctx, store.TableMedications, store.Filter{"id": m.ID}, patch)
	if err != nil {
		return Medication{}, storeErr("update medication", "medication", m.ID, err)
	}
	return medicationFromRow(saved)
}

func (r medicationRepo) delete(ctx context.Context, id string) error {
	if err := r.st.Delete(ctx, store.TableMedications, store.Filter{"id": id}); err != nil {
		return storeErr("delete medication", "medication", id, err)
	}
	return nil
}

type instanceRepo struct {
	st store.Store
}

func (r instanceRepo) get(ctx context.Context, id string) (Instance, error) {
	rows, err := r.st.Find(ctx, store.TableAdministrations, store.Filter{"id": id})
	if err != nil {
		return Instance{}, storeErr("find instance", "administration", id, err)
	}
	if len(rows) == 0 {
		return Instance{}, &NotFoundError{Kind: "administration", ID: id}
	}
	return instanceFromRow(rows[0])
}

func (r instanceRepo) find(ctx context.Context, key SlotKey) (Instance, bool, error) {
	rows, err := r.st.Find(ctx, store.TableAdministrations, key.filter())
	if err != nil {
		return Instance{}, false, storeErr("find instance", "administration", key.String(), err)
	}
	if len(rows) == 0 {
		return Instance{}, false, nil
	}
	inst, err := instanceFromRow(rows[0])
	return inst, err == nil, err
}

func (r instanceRepo) list(ctx context.Context, filter store.Filter) ([]Instance, error) {
	rows, err := r.st.Find(ctx, store.TableAdministrations, filter)
	if err != nil {
		return nil, storeErr("find instances", "administration", "", err)
	}
	out := make([]Instance, 0, len(rows))
	for _, row := range rows {
		inst, err := instanceFromRow(row)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, nil
}

// insert passes store.ErrConflict through untouched so the generator can
// re-fetch the row another client created first.
func (r instanceRepo) insert(ctx context.Context, inst Instance) (Instance, error) {
	saved, err := r.st.Insert(ctx, store.TableAdministrations, inst.toRow())
	if err != nil {
		if errors.Is(err, store.ErrConflict) {
			return Instance{}, err
		}
		return Instance{}, storeErr("insert instance", "administration", inst.Key().String(), err)
	}
	return instanceFromRow(saved)
}

func (r instanceRepo) update(ctx context.Context, id string, patch store.Row) (Instance, error) {
	saved, err := r.st.Update(ctx, store.TableAdministrations, store.Filter{"id": id}, patch)
	if err != nil {
		return Instance{}, storeErr("update instance", "administration", id, err)
	}
	return instanceFromRow(saved)
}

func (r instanceRepo) deleteForMedication(ctx context.Context, medicationID string) error {
	err := r.st.Delete(ctx, store.TableAdministrations, store.Filter{"medication_id": medicationID})
	if err != nil {
		return storeErr("delete instances", "administration", medicationID, err)
	}
	return nil
}
