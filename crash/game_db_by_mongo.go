package crash

import (
	"github.com/pkg/errors"
	"gopkg.in/mgo.v2"
	"gopkg.in/mgo.v2/bson"

	"github.com/LeaguesOfHoleHoleShoes/CrashHole/common/mongo"
	g_error "github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/common/g-error"
	"github.com/LeaguesOfHoleHoleShoes/CrashHole/crash/model"
)

func NewGameDBByMongo(hosts []string, dbName string) *GameDBByMongo {
	db := &GameDBByMongo{
		config: mongo.NewDbConfig(hosts),
		dbName: dbName,

		roundTN: "round",
		betTN:   "bet",
		txTN:    "transaction",
		userTN:  "user",
	}

	db.migrate()

	return db
}

type GameDBByMongo struct {
	config *mgo.DialInfo
	dbName string

	roundTN string
	betTN   string
	txTN    string
	userTN  string
}

// round id做了unique，直接Insert即可
func (db *GameDBByMongo) SaveRound(r model.Round) error {
	return errors.Wrap(db.getDB().C(db.roundTN).Insert(r), "save round failed")
}

func (db *GameDBByMongo) GetRound(roundID string) (*model.Round, error) {
	var r model.Round
	if err := db.getDB().C(db.roundTN).Find(bson.M{"roundid": roundID}).One(&r); err != nil {
		if err == mgo.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get round failed")
	}
	return &r, nil
}

// 按时间取最近一轮，用于重启恢复。没有任何轮次时返回nil
func (db *GameDBByMongo) LatestRound() (*model.Round, error) {
	var r model.Round
	if err := db.getDB().C(db.roundTN).Find(nil).Sort("-timestamp").One(&r); err != nil {
		if err == mgo.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get latest round failed")
	}
	return &r, nil
}

// 开奖：写入实际爆点并标记revealed，此后seed对外可见
func (db *GameDBByMongo) RevealRound(roundID string, crashPoint float64) error {
	err := db.getDB().C(db.roundTN).Update(bson.M{"roundid": roundID},
		bson.M{"$set": bson.M{"crashpoint": crashPoint, "revealed": true}})
	return errors.Wrap(err, "reveal round failed")
}

func (db *GameDBByMongo) SetRoundRTP(roundID string, rtp float64) error {
	err := db.getDB().C(db.roundTN).Update(bson.M{"roundid": roundID},
		bson.M{"$set": bson.M{"rtp": rtp}})
	return errors.Wrap(err, "set round rtp failed")
}

func (db *GameDBByMongo) RecentCrashPoints(limit int) ([]float64, error) {
	var rs []model.Round
	err := db.getDB().C(db.roundTN).Find(bson.M{"revealed": true}).
		Sort("-timestamp").Limit(limit).All(&rs)
	if err != nil {
		return nil, errors.Wrap(err, "get recent crash points failed")
	}
	cps := make([]float64, len(rs))
	for i, r := range rs {
		cps[i] = r.CrashPoint
	}
	return cps, nil
}

// (round id, user id)做了unique，同轮重复注单在这里也会被拦下
func (db *GameDBByMongo) CreateBet(b model.Bet) error {
	return errors.Wrap(db.getDB().C(db.betTN).Insert(b), "create bet failed")
}

func (db *GameDBByMongo) SettleBet(roundID string, userID string, multiplier float64) error {
	err := db.getDB().C(db.betTN).Update(bson.M{"roundid": roundID, "userid": userID},
		bson.M{"$set": bson.M{"cashoutmultiplier": multiplier, "hascashedout": true}})
	return errors.Wrap(err, "settle bet failed")
}

func (db *GameDBByMongo) GetBet(roundID string, userID string) (*model.Bet, error) {
	var b model.Bet
	if err := db.getDB().C(db.betTN).Find(bson.M{"roundid": roundID, "userid": userID}).One(&b); err != nil {
		if err == mgo.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get bet failed")
	}
	return &b, nil
}

func (db *GameDBByMongo) GetUser(userID string) (*model.User, error) {
	var u model.User
	if err := db.getDB().C(db.userTN).FindId(userID).One(&u); err != nil {
		if err == mgo.ErrNotFound {
			return nil, nil
		}
		return nil, errors.Wrap(err, "get user failed")
	}
	return &u, nil
}

func (db *GameDBByMongo) SaveUser(u model.User) error {
	_, err := db.getDB().C(db.userTN).UpsertId(u.ID, u)
	return errors.Wrap(err, "save user failed")
}

/*

条件扣款："balance >= amount 则扣"必须是同一个原子操作，
靠查询条件+findAndModify完成，检查和更新之间没有窗口。
匹配不到文档说明余额不足（或用户不存在），一分钱都不会动

*/
func (db *GameDBByMongo) DecBalance(userID string, amount float64) (float64, error) {
	var u model.User
	_, err := db.getDB().C(db.userTN).
		Find(bson.M{"_id": userID, "balance": bson.M{"$gte": amount}}).
		Apply(mgo.Change{
			Update:    bson.M{"$inc": bson.M{"balance": -amount}},
			ReturnNew: true,
		}, &u)
	if err != nil {
		if err == mgo.ErrNotFound {
			return 0, g_error.ErrInsufficientBalance
		}
		return 0, errors.Wrap(err, "dec balance failed")
	}
	return u.Balance, nil
}

func (db *GameDBByMongo) IncBalance(userID string, amount float64) (float64, error) {
	var u model.User
	_, err := db.getDB().C(db.userTN).
		Find(bson.M{"_id": userID}).
		Apply(mgo.Change{
			Update:    bson.M{"$inc": bson.M{"balance": amount}},
			ReturnNew: true,
		}, &u)
	if err != nil {
		if err == mgo.ErrNotFound {
			return 0, g_error.ErrUserNotFound
		}
		return 0, errors.Wrap(err, "inc balance failed")
	}
	return u.Balance, nil
}

func (db *GameDBByMongo) CreateTransaction(tx model.Transaction) error {
	return errors.Wrap(db.getDB().C(db.txTN).Insert(tx), "create transaction failed")
}

func (db *GameDBByMongo) getDB() *mgo.Database {
	return mongo.GetDB(db.config).DB(db.dbName)
}

func (db *GameDBByMongo) migrate() {
	db.getDB().C(db.roundTN).EnsureIndex(mgo.Index{ Key: []string{"roundid"}, Unique: true })
	db.getDB().C(db.roundTN).EnsureIndex(mgo.Index{ Key: []string{"timestamp"} })

	db.getDB().C(db.betTN).EnsureIndex(mgo.Index{ Key: []string{"roundid", "userid"}, Unique: true })

	db.getDB().C(db.txTN).EnsureIndex(mgo.Index{ Key: []string{"userid"} })
}

func (db *GameDBByMongo) ClearTestData() {
	mongo.ClearAllData(db.config, db.dbName)
}
